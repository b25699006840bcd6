package strategy

import (
	"context"
	"io"
	"net/http"
	"time"

	platformerrors "github.com/jmgilman/go/errors"

	"swcache/internal/partition"
)

// Fetcher performs a network request and returns the buffered response.
// A returned error means the network was unreachable; HTTP error statuses
// are responses, not errors.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*partition.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *http.Request) (*partition.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*partition.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches over an http.Client.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

// hop-by-hop headers are not stored or replayed.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*partition.Response, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	out := req.Clone(ctx)
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := client.Do(out)
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeNetwork, "fetch %s", req.URL.Redacted())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeNetwork, "read body of %s", req.URL.Redacted())
	}
	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	return &partition.Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}
