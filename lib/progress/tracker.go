// Package progress tracks in-flight image fetches for the daemon API and
// streams their updates to SSE subscribers.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hwpplayers/multipass/lib/vault"
)

// Fetch states.
const (
	StateFetching = "fetching"
	StateReady    = "ready"
	StateFailed   = "failed"
	StateAborted  = "aborted"
)

// Update is one fetch status change.
type Update struct {
	State   string         `json:"state"`
	Kind    string         `json:"kind,omitempty"` // image, kernel, initrd
	Percent int            `json:"percent"`
	Error   *string        `json:"error,omitempty"`
	Image   *vault.VMImage `json:"image,omitempty"`
}

// Tracker follows one instance's fetch and broadcasts updates to
// subscribers. Slow subscribers miss intermediate updates rather than
// blocking the fetch.
type Tracker struct {
	name        string
	mu          sync.RWMutex
	last        Update
	subscribers []chan Update
	closed      bool
}

// NewTracker creates a tracker for the named instance's fetch.
func NewTracker(name string) *Tracker {
	return &Tracker{
		name: name,
		last: Update{State: StateFetching, Percent: -1},
	}
}

// Update broadcasts download progress for one artifact.
func (t *Tracker) Update(kind vault.DownloadType, percent int) {
	t.broadcast(Update{State: StateFetching, Kind: kindName(kind), Percent: percent})
}

// Fail broadcasts a terminal failure.
func (t *Tracker) Fail(err error) {
	msg := err.Error()
	t.broadcast(Update{State: StateFailed, Percent: -1, Error: &msg})
}

// Abort broadcasts a monitor-requested cancellation.
func (t *Tracker) Abort() {
	t.broadcast(Update{State: StateAborted, Percent: -1})
}

// Complete broadcasts the fetched image.
func (t *Tracker) Complete(image vault.VMImage) {
	t.broadcast(Update{State: StateReady, Percent: 100, Image: &image})
}

func (t *Tracker) broadcast(update Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.last = update

	for _, ch := range t.subscribers {
		select {
		case ch <- update:
		default:
			// Skip slow consumers.
		}
	}
}

// Subscribe registers a subscriber. The current state is delivered first;
// the channel closes when ctx ends or the tracker closes.
func (t *Tracker) Subscribe(ctx context.Context) (chan Update, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("tracker closed")
	}

	ch := make(chan Update, 10)
	ch <- t.last
	t.subscribers = append(t.subscribers, ch)

	go func() {
		<-ctx.Done()
		t.Unsubscribe(ch)
	}()

	return ch, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (t *Tracker) Unsubscribe(ch chan Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, sub := range t.subscribers {
		if sub == ch {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Close closes all subscriber channels.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for _, ch := range t.subscribers {
		close(ch)
	}
	t.subscribers = nil
}

func kindName(kind vault.DownloadType) string {
	switch kind {
	case vault.DownloadKernel:
		return "kernel"
	case vault.DownloadInitrd:
		return "initrd"
	default:
		return "image"
	}
}

// ToSSEReader adapts an update channel to an io.ReadCloser emitting
// server-sent events.
func ToSSEReader(ch chan Update) io.ReadCloser {
	return &sseStream{ch: ch}
}

type sseStream struct {
	ch     chan Update
	buffer []byte
}

func (s *sseStream) Read(p []byte) (n int, err error) {
	if len(s.buffer) > 0 {
		n = copy(p, s.buffer)
		s.buffer = s.buffer[n:]
		return n, nil
	}

	update, ok := <-s.ch
	if !ok {
		return 0, io.EOF
	}

	data, _ := json.Marshal(update)
	s.buffer = []byte(fmt.Sprintf("data: %s\n\n", data))

	n = copy(p, s.buffer)
	s.buffer = s.buffer[n:]
	return n, nil
}

func (s *sseStream) Close() error {
	return nil
}
