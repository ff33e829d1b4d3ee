package log

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is a log record as delivered to broadcast subscribers.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Broadcaster fans log records out to any number of subscribers. Slow
// subscribers lose entries instead of blocking the logger.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Entry]struct{}
}

// NewBroadcaster returns a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Entry]struct{})}
}

// Subscribe registers a new subscriber. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) publish(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Handler wraps next so that every handled record is also broadcast.
func (b *Broadcaster) Handler(next slog.Handler) slog.Handler {
	return &broadcastHandler{b: b, next: next}
}

type broadcastHandler struct {
	b      *Broadcaster
	next   slog.Handler
	attrs  []slog.Attr
	prefix string
}

// Enabled also admits info and above while someone is subscribed, so the
// channel sees records the wrapped handler would drop.
func (h *broadcastHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || (level >= slog.LevelInfo && h.b.Subscribers() > 0)
}

func (h *broadcastHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}

	e := Entry{Time: r.Time, Level: r.Level.String(), Message: r.Message}
	if n := len(h.attrs) + r.NumAttrs(); n > 0 {
		e.Attrs = make(map[string]any, n)
		for _, a := range h.attrs {
			e.Attrs[a.Key] = attrValue(a.Value.Resolve())
		}
		r.Attrs(func(a slog.Attr) bool {
			e.Attrs[h.prefix+a.Key] = attrValue(a.Value.Resolve())
			return true
		})
	}
	h.b.publish(e)
	return err
}

func (h *broadcastHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.next = h.next.WithAttrs(attrs)
	next.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &next
}

func (h *broadcastHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.next = h.next.WithGroup(name)
	next.prefix = h.prefix + name + "."
	return &next
}

func attrValue(v slog.Value) any {
	if v.Kind() == slog.KindAny {
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
	}
	return v.Any()
}
