package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// Upstream fetch outcomes. They follow the error classes of the API client:
// a 404 is reported apart from other client errors.
const (
	FetchOK          = "ok"
	FetchNotFound    = "not_found"
	FetchClientError = "client_error"
	FetchServerError = "server_error"
	FetchError       = "error"
	FetchCanceled    = "canceled"
)

type resourceKey struct{}

// WithResource labels upstream fetches made with ctx, e.g. with the
// collection being synced.
func WithResource(ctx context.Context, resource string) context.Context {
	return context.WithValue(ctx, resourceKey{}, resource)
}

// Resource returns the label set by WithResource, or fallback.
func Resource(ctx context.Context, fallback string) string {
	if r, ok := ctx.Value(resourceKey{}).(string); ok && r != "" {
		return r
	}
	return fallback
}

// FetchOutcome classifies a response status code.
func FetchOutcome(status int) string {
	switch {
	case status == http.StatusNotFound:
		return FetchNotFound
	case status >= 500:
		return FetchServerError
	case status >= 400:
		return FetchClientError
	default:
		return FetchOK
	}
}

// InstrumentedTransport records one upstream fetch metric per request,
// labelled with the resource carried by the request context.
type InstrumentedTransport struct {
	base            http.RoundTripper
	defaultResource string
}

// NewInstrumentedTransport wraps base (http.DefaultTransport when nil).
// defaultResource labels requests whose context carries no resource.
func NewInstrumentedTransport(base http.RoundTripper, defaultResource string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, defaultResource: defaultResource}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	resource := Resource(ctx, t.defaultResource)
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := FetchError
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			outcome = FetchCanceled
		}
		RecordUpstreamFetch(ctx, resource, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &countingBody{
		ReadCloser: resp.Body,
		done: func(n int64) {
			RecordUpstreamFetch(ctx, resource, time.Since(start), n, FetchOutcome(resp.StatusCode))
		},
	}
	return resp, nil
}

// countingBody reports the bytes read once, at EOF or Close, whichever
// comes first.
type countingBody struct {
	io.ReadCloser
	n    int64
	once sync.Once
	done func(n int64)
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	if errors.Is(err, io.EOF) {
		b.once.Do(func() { b.done(b.n) })
	}
	return n, err
}

func (b *countingBody) Close() error {
	b.once.Do(func() { b.done(b.n) })
	return b.ReadCloser.Close()
}
