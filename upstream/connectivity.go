package upstream

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Connectivity reports whether the remote API is reachable.
// It plays the role of the browser's online flag: when it reports false,
// syncs skip the network entirely.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Static is a Connectivity with a fixed answer.
type Static bool

// Online returns the fixed answer.
func (s Static) Online(context.Context) bool {
	return bool(s)
}

// Probe checks reachability with a HEAD request and remembers the answer
// for a short interval so bursts of requests do not each pay for a probe.
type Probe struct {
	url      string
	client   *http.Client
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	checkedAt time.Time
	online    bool
}

// ProbeOption configures a Probe.
type ProbeOption func(*Probe)

// WithProbeInterval sets how long a probe result is reused.
func WithProbeInterval(d time.Duration) ProbeOption {
	return func(p *Probe) {
		p.interval = d
	}
}

// WithProbeTimeout sets the per-probe request timeout.
func WithProbeTimeout(d time.Duration) ProbeOption {
	return func(p *Probe) {
		p.client.Timeout = d
	}
}

// WithProbeNow sets the time function for testing.
func WithProbeNow(now func() time.Time) ProbeOption {
	return func(p *Probe) {
		p.now = now
	}
}

// NewProbe creates a Probe against url. Any HTTP response counts as online;
// only transport failures count as offline.
func NewProbe(url string, opts ...ProbeOption) *Probe {
	p := &Probe{
		url:      url,
		client:   &http.Client{Timeout: 2 * time.Second},
		interval: 10 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Online reports the cached probe result, re-probing once it is older than
// the configured interval.
func (p *Probe) Online(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.checkedAt.IsZero() && p.now().Sub(p.checkedAt) < p.interval {
		return p.online
	}

	p.online = p.probe(ctx)
	p.checkedAt = p.now()
	return p.online
}

func (p *Probe) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}
