package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	// sseDebounce coalesces bursts of store mutations into one state
	// event.
	sseDebounce = 250 * time.Millisecond
	// sseHeartbeat keeps idle connections alive through proxies.
	sseHeartbeat = 30 * time.Second
)

// hub fans the store's coalesced change signal out to every connected
// SSE client.
type hub struct {
	mu     sync.Mutex
	subs   map[chan struct{}]struct{}
	done   chan struct{}
	closed bool
}

func newHub(changes <-chan struct{}) *hub {
	h := &hub{
		subs: map[chan struct{}]struct{}{},
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-h.done:
				return
			case <-changes:
				h.broadcast()
			}
		}
	}()
	return h
}

func (h *hub) broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
			// Subscriber already has a pending signal.
		}
	}
}

func (h *hub) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	for ch := range h.subs {
		close(ch)
	}
	h.subs = map[chan struct{}]struct{}{}
}

// handleEvents streams state snapshots as Server-Sent Events: an initial
// state event on connect, a debounced state event after every mutation,
// and periodic heartbeats.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	changes, cancel := s.hub.subscribe()
	defer cancel()

	sendState := func() bool {
		data, err := json.Marshal(s.store.Snapshot())
		if err != nil {
			s.log.Error(err, "encoding state event")
			return false
		}
		if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !sendState() {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case _, open := <-changes:
			if !open {
				return
			}
			// Debounce: let a burst of mutations settle into one
			// event.
			timer := time.NewTimer(sseDebounce)
		drain:
			for {
				select {
				case <-changes:
				case <-timer.C:
					break drain
				case <-r.Context().Done():
					timer.Stop()
					return
				}
			}
			if !sendState() {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
