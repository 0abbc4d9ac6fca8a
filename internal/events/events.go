// Package events fans controller lifecycle events out to local subscribers
// and, optionally, to NATS and MQTT.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Type string

const (
	StateChanged Type = "state"
	Started      Type = "started"
	Stopped      Type = "stopped"
)

// Event describes one lifecycle transition of an executor.
type Event struct {
	Type     Type      `json:"type"`
	Executor string    `json:"executor"`
	State    string    `json:"state,omitempty"`
	PID      int       `json:"pid,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	Time     time.Time `json:"time"`
	// Unexpected is set on a Stopped event nobody requested.
	Unexpected bool   `json:"unexpected,omitempty"`
	Error      string `json:"error,omitempty"`
	// Err is the in-process error behind Error.
	Err error `json:"-"`
}

// Marshal encodes ev as the JSON payload published to brokers.
func Marshal(ev Event) ([]byte, error) {
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}
	return json.Marshal(ev)
}

// Bus is an in-process multicast of events. Subscribers only receive events
// published after they subscribed, and a full subscriber misses events.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

// Subscribe returns a channel of later events and a cancel func.
func (b *Bus) Subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every current subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Publisher ships events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Forward publishes every event from ch to each publisher until ch closes
// or ctx is done. Publish failures are logged and do not stop forwarding.
func Forward(ctx context.Context, ch <-chan Event, pubs []Publisher, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			for _, p := range pubs {
				if err := p.Publish(ctx, ev); err != nil {
					logger.Warn().Err(err).Str("executor", ev.Executor).Str("event", string(ev.Type)).Msg("publish event failed")
				}
			}
		}
	}
}
