package log

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestBroadcasterDeliversRecords(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	ch, cancel := b.Subscribe(4)
	defer cancel()

	logger := slog.New(b.Handler(slog.DiscardHandler)).With("component", "edge")
	logger.Info("relay failed", "err", errors.New("boom"), "status", 502)

	e := <-ch
	if e.Message != "relay failed" || e.Level != "INFO" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.Attrs["component"] != "edge" {
		t.Fatalf("expected component attr, got %v", e.Attrs)
	}
	if e.Attrs["err"] != "boom" {
		t.Fatalf("expected err rendered as string, got %#v", e.Attrs["err"])
	}
	if e.Attrs["status"] != int64(502) {
		t.Fatalf("expected status 502, got %#v", e.Attrs["status"])
	}
}

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	logger := slog.New(b.Handler(slog.DiscardHandler))
	logger.Info("first")
	logger.Info("second")

	if e := <-ch; e.Message != "first" {
		t.Fatalf("expected first entry, got %q", e.Message)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected second entry to be dropped, got %q", e.Message)
	default:
	}
}

func TestBroadcasterCancelUnsubscribes(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	_, cancel := b.Subscribe(1)
	if b.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	cancel()
	if b.Subscribers() != 0 {
		t.Fatalf("expected no subscribers after cancel")
	}
}

func TestBroadcastHandlerGroupPrefix(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	h := b.Handler(slog.DiscardHandler).WithGroup("req")
	_ = h.Handle(context.Background(), func() slog.Record {
		r := slog.NewRecord(time.Now(), slog.LevelWarn, "slow", 0)
		r.AddAttrs(slog.String("host", "a.example"))
		return r
	}())

	e := <-ch
	if e.Attrs["req.host"] != "a.example" {
		t.Fatalf("expected grouped key, got %v", e.Attrs)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
