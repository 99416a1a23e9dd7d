// Package source fetches chapter listings from upstream providers.
//
// Every adapter returns normalized [catalog.ChapterReport] rows or an error
// classified as transient or permanent, so callers can decide between a
// retry and a dead letter without knowing the provider.
package source

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

// Adapter lists the chapters of one series on one provider.
type Adapter interface {
	Name() string
	Chapters(ctx context.Context, src catalog.SeriesSource) ([]catalog.ChapterReport, error)
}

// Registry looks adapters up by source name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for name. A source nobody can crawl is a permanent
// failure.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, catalog.Permanent(fmt.Sprintf("no adapter for source %q", name), nil)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const defaultTimeout = 10 * time.Second

func newClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// get issues a GET and classifies transport failures and bad statuses. The
// caller owns the returned body.
func get(ctx context.Context, client *http.Client, url, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, catalog.Permanent("error building request", err)
	}
	req.Header.Set("Accept", accept)

	resp, err := client.Do(req)
	if err != nil {
		return nil, catalog.Transient("error fetching "+url, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		resp.Body.Close()
		return nil, catalog.Transient(fmt.Sprintf("upstream returned %d", resp.StatusCode), nil)
	default:
		resp.Body.Close()
		return nil, catalog.Permanent(fmt.Sprintf("unexpected status code: %d", resp.StatusCode), nil)
	}
}
