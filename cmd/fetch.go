package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/citefetch/internal/fetch"
	"github.com/JakeFAU/citefetch/internal/storage"
)

type fetchOptions struct {
	publisher      string
	askSlowly      bool
	stream         bool
	verify         bool
	headers        []string
	cookies        []string
	connectTimeout time.Duration
	readTimeout    time.Duration
	output         string
	printBody      bool
}

// newFetchCmd creates the 'fetch' subcommand, which retrieves one URL and
// prints a JSON summary of the result.
func newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch one URL, following publisher soft redirects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetchCommand(cmd, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.publisher, "publisher", "", "publisher name hint for vendor-specific redirects")
	flags.BoolVar(&opts.askSlowly, "ask-slowly", false, "allow one extra attempt and one transport retry")
	flags.BoolVar(&opts.stream, "stream", false, "read the body in chunks and cut it at the size ceiling")
	flags.BoolVar(&opts.verify, "verify", false, "verify TLS certificates")
	flags.StringArrayVarP(&opts.headers, "header", "H", nil, `extra request header as "Name: value" (repeatable)`)
	flags.StringArrayVar(&opts.cookies, "cookie", nil, `cookie as "name=value" (repeatable)`)
	flags.DurationVar(&opts.connectTimeout, "connect-timeout", 0, "connect timeout (default from config)")
	flags.DurationVar(&opts.readTimeout, "read-timeout", 0, "read timeout (default from config)")
	flags.StringVarP(&opts.output, "output", "o", "", "export the body to a directory or gs://bucket/prefix")
	flags.BoolVar(&opts.printBody, "print-body", false, "print the decoded body instead of the JSON summary")
	return cmd
}

type fetchSummary struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Encoding   string `json:"encoding"`
	Bytes      int    `json:"bytes"`
	Truncated  bool   `json:"truncated"`
	TooLarge   bool   `json:"too_large"`
	Redirects  int    `json:"redirects"`
	Attempts   int    `json:"attempts"`
	ElapsedMs  int64  `json:"elapsed_ms"`
	Exported   string `json:"exported,omitempty"`
}

func runFetchCommand(cmd *cobra.Command, rawURL string, opts *fetchOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	req, err := buildRequest(appInstance, rawURL, opts)
	if err != nil {
		return err
	}
	exporter, err := appInstance.Exporter(cmd.Context(), opts.output)
	if err != nil {
		return err
	}

	result, err := appInstance.GetFetcher().Fetch(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	summary := fetchSummary{
		URL:        result.URL,
		StatusCode: result.StatusCode,
		Encoding:   result.Encoding,
		Bytes:      len(result.Body),
		Truncated:  result.Truncated,
		TooLarge:   result.TooLarge,
		Redirects:  result.Redirects,
		Attempts:   result.Attempts,
		ElapsedMs:  result.Elapsed.Milliseconds(),
	}

	switch {
	case exporter == nil:
	case result.TooLarge:
		logger.Warn("skipping export of oversized document", zap.String("url", result.URL))
	default:
		contentType := result.Header.Get("Content-Type")
		if contentType == "" {
			contentType = appInstance.GetConfig().Export.ContentType
		}
		name := storage.ObjectName(result.URL, contentType, result.Body)
		uri, err := exporter.PutObject(cmd.Context(), name, contentType, bytes.NewReader(result.Body))
		if err != nil {
			return fmt.Errorf("export %s: %w", result.URL, err)
		}
		logger.Info("exported document", zap.String("url", result.URL), zap.String("uri", uri))
		summary.Exported = uri
	}

	out := cmd.OutOrStdout()
	if opts.printBody {
		text, err := result.Text()
		if err != nil {
			return fmt.Errorf("decode body: %w", err)
		}
		_, err = fmt.Fprint(out, text)
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func buildRequest(appInstance App, rawURL string, opts *fetchOptions) (fetch.Request, error) {
	req := appInstance.GetConfig().Request(rawURL)
	req.Publisher = opts.publisher
	req.AskSlowly = opts.askSlowly
	req.Stream = req.Stream || opts.stream
	req.Verify = req.Verify || opts.verify
	if opts.connectTimeout > 0 {
		req.ConnectTimeout = opts.connectTimeout
	}
	if opts.readTimeout > 0 {
		req.ReadTimeout = opts.readTimeout
	}

	if len(opts.headers) > 0 {
		req.Headers = make(http.Header, len(opts.headers))
		for _, raw := range opts.headers {
			name, value, ok := strings.Cut(raw, ":")
			if !ok || strings.TrimSpace(name) == "" {
				return fetch.Request{}, fmt.Errorf("invalid header %q, want \"Name: value\"", raw)
			}
			req.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
	for _, raw := range opts.cookies {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return fetch.Request{}, fmt.Errorf("invalid cookie %q, want name=value", raw)
		}
		req.Cookies = append(req.Cookies, &http.Cookie{Name: strings.TrimSpace(name), Value: value})
	}
	return req, nil
}
