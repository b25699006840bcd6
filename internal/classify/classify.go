// Package classify decides which caching strategy a request gets.
package classify

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"
)

// Category is the cache category of a request.
type Category int

const (
	Dynamic Category = iota
	Static
	API
	Image
	Navigation
)

func (c Category) String() string {
	switch c {
	case Static:
		return "static"
	case API:
		return "api"
	case Image:
		return "image"
	case Navigation:
		return "navigation"
	default:
		return "dynamic"
	}
}

// Request is the part of an intercepted request the classifier looks at.
type Request struct {
	Method   string
	URL      *url.URL
	Navigate bool
}

// Rules are the configurable pattern sets.
type Rules struct {
	APIPatterns   []string `yaml:"api_patterns"`
	StalePatterns []string `yaml:"stale_patterns"`
	ImageHosts    []string `yaml:"image_hosts"`
}

// DefaultRules returns the marketplace defaults.
func DefaultRules() Rules {
	return Rules{
		APIPatterns: []string{
			`/api/categories`,
			`/api/featured`,
			`/api/trending`,
		},
		StalePatterns: []string{
			`/api/listings\?.*page=1`,
			`/api/search\?.*page=1`,
		},
		ImageHosts: []string{"cloudinary.com"},
	}
}

var (
	staticSegments = []string{"/static/", "/icons/", "/images/", "/fonts/"}
	staticExts     = map[string]bool{".css": true, ".js": true, ".map": true, ".ico": true}
	imageSegments  = []string{"/images/", "/uploads/"}
	imageExts      = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
		".webp": true, ".svg": true, ".avif": true, ".webm": true,
	}
)

// Classifier is immutable after New and safe for concurrent use.
type Classifier struct {
	api        []*regexp.Regexp
	stale      []*regexp.Regexp
	imageHosts []string
}

func New(rules Rules) (*Classifier, error) {
	api, err := compileAll(rules.APIPatterns)
	if err != nil {
		return nil, err
	}
	stale, err := compileAll(rules.StalePatterns)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(rules.ImageHosts))
	for _, h := range rules.ImageHosts {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Classifier{api: api, stale: stale, imageHosts: hosts}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "invalid pattern %q", p)
		}
		out = append(out, re)
	}
	return out, nil
}

// Classify returns the category of req. ok is false for requests the worker
// does not handle: non-GET methods and non-http(s) schemes.
func (c *Classifier) Classify(req Request) (Category, bool) {
	if req.URL == nil || !strings.EqualFold(req.Method, http.MethodGet) {
		return 0, false
	}
	scheme := strings.ToLower(req.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		return 0, false
	}

	raw := req.URL.String()
	ext := strings.ToLower(path.Ext(req.URL.Path))

	switch {
	case containsAny(raw, staticSegments) || staticExts[ext]:
		return Static, true
	case strings.Contains(raw, "/api/") && matchAny(c.api, raw):
		return API, true
	case containsAny(raw, c.imageHosts) || containsAny(raw, imageSegments) || imageExts[ext]:
		return Image, true
	case req.Navigate:
		return Navigation, true
	default:
		return Dynamic, true
	}
}

// AllowStale reports whether rawURL may be served stale.
func (c *Classifier) AllowStale(rawURL string) bool {
	return matchAny(c.stale, rawURL)
}

// String summarises the rule set for logs.
func (c *Classifier) String() string {
	return fmt.Sprintf("classifier(api=%d stale=%d imageHosts=%v)", len(c.api), len(c.stale), c.imageHosts)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
