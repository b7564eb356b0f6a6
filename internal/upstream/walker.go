package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"idmirror/internal/domain"
)

// Walker follows Link rel="next" headers until the collection is exhausted.
// A walk is not resumable; calling Walk again starts from the first page.
type Walker struct {
	client   *Client
	envelope string
}

// NewWalker returns a Walker that reads records from the envelope key of
// each page ("result" for ServiceNow). An empty key means each page is a
// bare JSON array.
func NewWalker(client *Client, envelope string) *Walker {
	return &Walker{client: client, envelope: envelope}
}

// Walk lazily yields every record of every page. The first error ends the
// sequence and is always an *domain.UpstreamFetchError.
func (w *Walker) Walk(ctx context.Context, path string, query url.Values) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		req := &Request{Method: http.MethodGet, Path: path, Query: query}
		seen := make(map[string]struct{})

		for {
			resp, err := w.client.Do(ctx, req)
			if err != nil {
				yield(nil, w.client.fetchError(req, err))
				return
			}
			seen[resp.URL] = struct{}{}

			records, err := decodeEnvelope(resp.Body, w.envelope)
			if err != nil {
				yield(nil, &domain.UpstreamFetchError{URL: resp.URL, StatusCode: resp.StatusCode, Err: err})
				return
			}
			for _, rec := range records {
				if !yield(rec, nil) {
					return
				}
			}

			next := ParseNextLink(resp.Headers.Values("Link"))
			if next == "" {
				return
			}
			req = &Request{Method: http.MethodGet, URL: next}
			nextURL, err := w.client.URLFor(req)
			if err != nil {
				yield(nil, &domain.UpstreamFetchError{URL: next, Err: err})
				return
			}
			if _, loop := seen[nextURL]; loop {
				yield(nil, &domain.UpstreamFetchError{URL: nextURL, Err: fmt.Errorf("pagination loop")})
				return
			}
		}
	}
}

// All collects the whole walk. On failure it returns no records.
func (w *Walker) All(ctx context.Context, path string, query url.Values) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for rec, err := range w.Walk(ctx, path, query) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
