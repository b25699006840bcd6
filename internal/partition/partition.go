// Package partition holds the named, versioned response caches the worker
// serves from. A partition maps a request identity (GET + URL) to a stored
// response and remembers insertion order, which is the order eviction uses.
package partition

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Response is a stored (or freshly fetched) HTTP response.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// OK reports whether the response has a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Size is the byte size of the body.
func (r *Response) Size() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Body))
}

// Clone returns a deep copy so a response can be stored and returned at the
// same time.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		StoredAt: r.StoredAt,
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// Key returns the cache identity for a GET of rawURL.
func Key(rawURL string) string {
	return http.MethodGet + " " + rawURL
}

// RequestKey returns the cache identity of req. Only GET requests have one.
func RequestKey(req *http.Request) (string, bool) {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return "", false
	}
	return Key(req.URL.String()), true
}

// URLFromKey strips the method from a key produced by Key.
func URLFromKey(key string) string {
	return strings.TrimPrefix(key, http.MethodGet+" ")
}

// Partition is one named cache.
type Partition interface {
	Name() string
	// Match returns the stored response for key, or nil on a miss.
	Match(ctx context.Context, key string) (*Response, error)
	// Put stores resp under key. Overwriting moves the key to the end of the
	// insertion order.
	Put(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) (bool, error)
	// Keys lists keys oldest-inserted first.
	Keys(ctx context.Context) ([]string, error)
}

// Store owns every partition.
type Store interface {
	// Open returns the named partition, creating it when absent.
	Open(ctx context.Context, name string) (Partition, error)
	// Names lists existing partitions in name order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes a partition and all of its entries.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Names are the four partition names of one build version.
type Names struct {
	Static  string
	Dynamic string
	Images  string
	API     string
}

// NamesFor builds the partition names for prefix and version, e.g.
// "trustmarket-static-v1.0.1".
func NamesFor(prefix, version string) Names {
	name := func(kind string) string {
		return prefix + "-" + kind + "-v" + version
	}
	return Names{
		Static:  name("static"),
		Dynamic: name("dynamic"),
		Images:  name("images"),
		API:     name("api"),
	}
}

// All returns the names in lookup order.
func (n Names) All() []string {
	return []string{n.Static, n.Dynamic, n.Images, n.API}
}

// Current reports whether name belongs to this version.
func (n Names) Current(name string) bool {
	for _, v := range n.All() {
		if v == name {
			return true
		}
	}
	return false
}
