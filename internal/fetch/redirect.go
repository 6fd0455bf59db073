package fetch

import (
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Vendor-specific constants used by the default redirect rules.
const (
	OvidPublisher         = "Ovid Technologies (Wolters Kluwer Health)"
	OvidHostSuffix        = "ovid.com"
	OvidLinkbackTemplate  = "http://content.wkhealth.com/linkback/openurl?an=%s"
	JavaScriptErrorSuffix = "Error/JavaScript.html"
	// ShortBodyThreshold limits the JavaScript rule to tiny payloads.
	ShortBodyThreshold = 500
)

var (
	jsLocationPattern  = regexp.MustCompile(`(?i)<script>location.href='(.*)'</script>`)
	ovidANPattern      = regexp.MustCompile(`(?i)OvidAN = '(.*?)';`)
	ovidJournalPattern = regexp.MustCompile(`(?i)var journalURL = "(.*?)";`)
	metaRefreshPattern = regexp.MustCompile(`(?is)<meta[^>]*http-equiv="?refresh"?[^>]*>`)
	metaURLPattern     = regexp.MustCompile(`(?is)url=["']?([^">']*)`)
)

// Document is the static view of a response that redirect rules inspect.
type Document struct {
	// URL is the response URL after transport-level redirects.
	URL       string
	Header    http.Header
	Body      []byte
	Publisher string
}

// Rule inspects a Document and returns the next URL to fetch, if any. Match
// must be a pure function of the Document. A match with an empty URL ends
// rule evaluation without a redirect.
type Rule struct {
	Name  string
	Match func(doc Document) (string, bool)
}

// LinkResolver turns a possibly relative link into an absolute URL.
type LinkResolver interface {
	Resolve(base, ref string) (string, error)
}

// PublisherMatcher compares publisher names.
type PublisherMatcher interface {
	Same(a, b string) bool
}

// URLJoiner resolves references with RFC 3986 semantics.
type URLJoiner struct{}

// Resolve joins ref against base.
func (URLJoiner) Resolve(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse link %q: %w", ref, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// Decision is a redirect chosen by a Rule.
type Decision struct {
	URL  string
	Rule string
}

// Resolver evaluates rules in order; the first match wins.
type Resolver struct {
	rules  []Rule
	logger *zap.Logger
}

// NewResolver builds a Resolver over the given rules.
func NewResolver(logger *zap.Logger, rules ...Rule) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{rules: rules, logger: logger}
}

// DefaultRules returns the standard rule chain in priority order.
func DefaultRules(links LinkResolver, publishers PublisherMatcher) []Rule {
	return []Rule{
		JavaScriptRedirectRule(links),
		OvidAccessionRule(publishers),
		OvidJournalRule(),
		MetaRefreshRule(links),
	}
}

// Resolve returns the redirect chosen by the first matching rule.
func (r *Resolver) Resolve(doc Document) (Decision, bool) {
	for _, rule := range r.rules {
		target, ok := rule.Match(doc)
		if !ok {
			continue
		}
		if strings.TrimSpace(target) == "" {
			r.logger.Info("empty redirect target, keeping response",
				zap.String("rule", rule.Name),
				zap.String("url", doc.URL),
			)
			return Decision{}, false
		}
		r.logger.Info("business-logic redirect",
			zap.String("rule", rule.Name),
			zap.String("from", doc.URL),
			zap.String("to", target),
		)
		return Decision{URL: target, Rule: rule.Name}, true
	}
	return Decision{}, false
}

// JavaScriptRedirectRule follows a bare location.href script in a short body.
func JavaScriptRedirectRule(links LinkResolver) Rule {
	return Rule{
		Name: "javascript",
		Match: func(doc Document) (string, bool) {
			length, ok := declaredLength(doc.Header)
			if !ok || length >= ShortBodyThreshold {
				return "", false
			}
			m := jsLocationPattern.FindSubmatch(doc.Body)
			if m == nil {
				return "", false
			}
			target := string(m[1])
			if strings.HasPrefix(target, "/") {
				resolved, err := links.Resolve(doc.URL, target)
				if err != nil {
					return "", false
				}
				target = resolved
			}
			return target, true
		},
	}
}

// OvidAccessionRule builds a Wolters Kluwer linkback URL from an embedded
// OvidAN token when the publisher hint is Ovid.
func OvidAccessionRule(publishers PublisherMatcher) Rule {
	return Rule{
		Name: "ovid_accession",
		Match: func(doc Document) (string, bool) {
			if doc.Publisher == "" || !publishers.Same(doc.Publisher, OvidPublisher) {
				return "", false
			}
			m := ovidANPattern.FindSubmatch(doc.Body)
			if m == nil {
				return "", false
			}
			return fmt.Sprintf(OvidLinkbackTemplate, m[1]), true
		},
	}
}

// OvidJournalRule follows the journalURL variable on ovid.com pages.
func OvidJournalRule() Rule {
	return Rule{
		Name: "ovid_journal",
		Match: func(doc Document) (string, bool) {
			u, err := url.Parse(doc.URL)
			if err != nil || u.Hostname() == "" || !strings.HasSuffix(u.Hostname(), OvidHostSuffix) {
				return "", false
			}
			m := ovidJournalPattern.FindSubmatch(doc.Body)
			if m == nil {
				return "", false
			}
			return string(m[1]), true
		},
	}
}

// MetaRefreshRule follows <meta http-equiv="refresh"> tags, except those that
// point at a JavaScript-required error page.
func MetaRefreshRule(links LinkResolver) Rule {
	return Rule{
		Name: "meta_refresh",
		Match: func(doc Document) (string, bool) {
			tag := metaRefreshPattern.Find(doc.Body)
			if tag == nil {
				return "", false
			}
			m := metaURLPattern.FindSubmatch(tag)
			if m == nil {
				return "", false
			}
			ref := html.UnescapeString(strings.TrimSpace(string(m[1])))
			target, err := links.Resolve(doc.URL, ref)
			if err != nil {
				return "", false
			}
			if strings.HasSuffix(target, JavaScriptErrorSuffix) {
				return "", false
			}
			return target, true
		},
	}
}
