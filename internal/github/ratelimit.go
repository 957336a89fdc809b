package github

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// warnUsedFraction and warnRemainingFloor are the operator warning
	// thresholds for API quota consumption.
	warnUsedFraction   = 0.8
	warnRemainingFloor = 100
)

// ResourceUsage is the quota state of one rate-limited resource on one host.
type ResourceUsage struct {
	Resource  string    `json:"resource"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Used      int       `json:"used"`
	ResetAt   time.Time `json:"resetAt"`
	Warning   bool      `json:"warning"`
}

// RateLimitTracker accumulates X-RateLimit-* response headers per host and
// resource. Every provider response passes through Update via the
// header-capturing transport.
type RateLimitTracker struct {
	log       logr.Logger
	remaining *prometheus.GaugeVec

	mu    sync.Mutex
	hosts map[string]map[string]ResourceUsage
	// warned suppresses repeat warnings until the quota window resets.
	warned map[string]time.Time
}

// NewRateLimitTracker creates a tracker and registers its gauge on reg.
func NewRateLimitTracker(log logr.Logger, reg prometheus.Registerer) *RateLimitTracker {
	t := &RateLimitTracker{
		log:    log.WithName("ratelimit"),
		hosts:  map[string]map[string]ResourceUsage{},
		warned: map[string]time.Time{},
		remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orgmirror",
			Subsystem: "provider",
			Name:      "ratelimit_remaining",
			Help:      "Remaining API quota per host and resource.",
		}, []string{"host", "resource"}),
	}
	if reg != nil {
		reg.MustRegister(t.remaining)
	}
	return t
}

// Update records the rate-limit headers of one response. Responses
// without the headers (e.g. GraphQL errors, redirects) are ignored.
func (t *RateLimitTracker) Update(host string, h http.Header) {
	limit, okLimit := headerInt(h, "X-RateLimit-Limit")
	remaining, okRemaining := headerInt(h, "X-RateLimit-Remaining")
	if !okLimit || !okRemaining {
		return
	}
	used, _ := headerInt(h, "X-RateLimit-Used")
	resource := h.Get("X-RateLimit-Resource")
	if resource == "" {
		resource = "core"
	}
	var resetAt time.Time
	if reset, ok := headerInt(h, "X-RateLimit-Reset"); ok {
		resetAt = time.Unix(int64(reset), 0).UTC()
	}

	usage := ResourceUsage{
		Resource:  resource,
		Limit:     limit,
		Remaining: remaining,
		Used:      used,
		ResetAt:   resetAt,
	}
	usage.Warning = limit > 0 && (float64(used) >= warnUsedFraction*float64(limit) || remaining < warnRemainingFloor)

	t.mu.Lock()
	if t.hosts[host] == nil {
		t.hosts[host] = map[string]ResourceUsage{}
	}
	t.hosts[host][resource] = usage
	shouldWarn := false
	if usage.Warning {
		key := host + "/" + resource
		if last, ok := t.warned[key]; !ok || !last.Equal(resetAt) {
			t.warned[key] = resetAt
			shouldWarn = true
		}
	}
	t.mu.Unlock()

	t.remaining.WithLabelValues(host, resource).Set(float64(remaining))
	if shouldWarn {
		t.log.Info("approaching API rate limit",
			"host", host,
			"resource", resource,
			"remaining", remaining,
			"limit", limit,
			"resetAt", usage.ResetAt,
		)
	}
}

// Snapshot returns the tracked usage per host, for the rate-limit API.
func (t *RateLimitTracker) Snapshot() map[string][]ResourceUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]ResourceUsage, len(t.hosts))
	for host, resources := range t.hosts {
		list := make([]ResourceUsage, 0, len(resources))
		for _, u := range resources {
			list = append(list, u)
		}
		out[host] = list
	}
	return out
}

func headerInt(h http.Header, name string) (int, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// captureTransport feeds every response's rate-limit headers into the
// tracker, labeled with the configured host, before handing the response
// back.
type captureTransport struct {
	base    http.RoundTripper
	tracker *RateLimitTracker
	host    string
}

func (t *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil && t.tracker != nil {
		t.tracker.Update(t.host, resp.Header)
	}
	return resp, err
}
