// Package bridge runs the origin side of a tunnel: it accepts pinned
// sessions and splices every stream to a local TCP connection.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/longern/webtransportify/internal/certs"
	"github.com/longern/webtransportify/internal/netutil"
	"github.com/longern/webtransportify/internal/session"
)

const (
	DefaultDialTimeout   = 3 * time.Second
	DefaultRotateAfter   = 13 * 24 * time.Hour
	defaultLinger        = 5 * time.Second
	defaultRotationCheck = "@hourly"
)

// Config configures a Bridge.
type Config struct {
	// Listen is the UDP address sessions are accepted on.
	Listen string
	// Target is the TCP address streams are spliced to. A bare port means
	// 127.0.0.1.
	Target string
	// CertDir holds the generated cert.pem and key.pem.
	CertDir string
	// CertFile and KeyFile select a static certificate; rotation is
	// disabled when they are set.
	CertFile string
	KeyFile  string

	Validity    time.Duration
	RotateAfter time.Duration
	DialTimeout time.Duration
	Linger      time.Duration
	// RotationSchedule is the cron spec for rotation and republish checks.
	RotationSchedule string
}

func (c *Config) applyDefaults() {
	if c.Validity <= 0 {
		c.Validity = certs.DefaultValidity
	}
	if c.RotateAfter <= 0 {
		c.RotateAfter = DefaultRotateAfter
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Linger <= 0 {
		c.Linger = defaultLinger
	}
	if c.RotationSchedule == "" {
		c.RotationSchedule = defaultRotationCheck
	}
	if c.CertDir == "" {
		c.CertDir = "."
	}
}

func (c Config) static() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

func (c Config) certPaths() (string, string) {
	if c.static() {
		return c.CertFile, c.KeyFile
	}
	return filepath.Join(c.CertDir, "cert.pem"), filepath.Join(c.CertDir, "key.pem")
}

// Bridge accepts tunnel sessions and relays their streams to Target.
type Bridge struct {
	cfg       Config
	target    string
	log       *slog.Logger
	publisher Publisher
	holder    *certs.Holder
	fresh     bool
	now       func() time.Time

	ln        *session.Listener
	sessions  *xsync.Map[uint64, *session.Session]
	nextID    atomic.Uint64
	rotateMu  sync.Mutex
	published atomic.Pointer[certs.Hash]
	wg        sync.WaitGroup
}

// New loads or creates the serving certificate. publisher may be nil.
func New(cfg Config, publisher Publisher, logger *slog.Logger) (*Bridge, error) {
	cfg.applyDefaults()
	target, err := netutil.TargetAddress(cfg.Target)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		cfg:       cfg,
		target:    target,
		log:       logger,
		publisher: publisher,
		now:       time.Now,
		sessions:  xsync.NewMap[uint64, *session.Session](),
	}
	id, fresh, err := b.loadIdentity()
	if err != nil {
		return nil, err
	}
	b.holder = certs.NewHolder(id)
	b.fresh = fresh
	return b, nil
}

// Hash returns the hash of the certificate currently served.
func (b *Bridge) Hash() certs.Hash {
	return b.holder.Load().Hash
}

// Addr returns the listening address once Start has succeeded.
func (b *Bridge) Addr() net.Addr {
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Start opens the listener and publishes the current certificate hash.
func (b *Bridge) Start(ctx context.Context) error {
	ln, err := session.Listen(b.cfg.Listen, b.holder)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.cfg.Listen, err)
	}
	b.ln = ln
	b.log.Info("bridge listening", "addr", ln.Addr().String(), "target", b.target, "certificate_hash", b.Hash().String(), "new_certificate", b.fresh)

	if err := b.publish(ctx, b.Hash()); err != nil {
		b.log.Warn("publish certificate hash failed, retrying on the rotation schedule", "err", err)
	}
	return nil
}

// Run starts the bridge and serves until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	return b.Serve(ctx)
}

// Serve accepts sessions until ctx is cancelled, running rotation and
// republish checks on the configured schedule.
func (b *Bridge) Serve(ctx context.Context) error {
	if b.ln == nil {
		return errors.New("bridge not started")
	}
	if !b.cfg.static() || b.publisher != nil {
		c := cron.New()
		if _, err := c.AddFunc(b.cfg.RotationSchedule, func() { b.checkRotation(ctx) }); err != nil {
			return fmt.Errorf("rotation schedule %q: %w", b.cfg.RotationSchedule, err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	stop := context.AfterFunc(ctx, func() { _ = b.ln.Close() })
	defer stop()

	for {
		sess, err := b.ln.Accept(ctx)
		if err != nil {
			b.closeSessions()
			b.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept session: %w", err)
		}
		id := b.nextID.Add(1)
		b.sessions.Store(id, sess)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.sessions.Delete(id)
			b.handleSession(ctx, id, sess)
		}()
	}
}

// Sessions reports the number of open sessions.
func (b *Bridge) Sessions() int {
	return b.sessions.Size()
}

func (b *Bridge) closeSessions() {
	b.sessions.Range(func(_ uint64, s *session.Session) bool {
		_ = s.Close()
		return true
	})
}

func (b *Bridge) handleSession(ctx context.Context, id uint64, sess *session.Session) {
	log := b.log.With("session", id, "remote", sess.RemoteAddr().String())
	defer func() { _ = sess.Close() }()

	if err := sess.Ready(ctx); err != nil {
		log.Debug("session not ready", "err", err)
		return
	}
	log.Debug("session accepted")

	var active atomic.Int32
	for {
		st, err := sess.AcceptStream(sess.Context())
		if err != nil {
			log.Debug("session ended", "err", err)
			return
		}
		active.Add(1)
		go func() {
			if !b.handleStream(sess, st, log) {
				return
			}
			if active.Add(-1) == 0 {
				_ = sess.Close()
			}
		}()
	}
}

// handleStream splices st to a fresh TCP connection. It returns false when
// the session was closed because the target was unreachable.
func (b *Bridge) handleStream(sess *session.Session, st *session.Stream, log *slog.Logger) bool {
	dialCtx, cancel := context.WithTimeout(sess.Context(), b.cfg.DialTimeout)
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", b.target)
	cancel()
	if err != nil {
		log.Warn("tcp connect failed", "target", b.target, "err", err)
		_ = sess.CloseWithError(session.CodeTCPUnavailable, "tcp unavailable")
		return false
	}

	// Session end closes the TCP connection.
	stop := context.AfterFunc(sess.Context(), func() { _ = conn.Close() })
	defer stop()

	upDone := make(chan struct{})
	go func() {
		defer close(upDone)
		if _, err := io.Copy(conn, st); err != nil {
			log.Debug("stream to tcp ended", "err", err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()

	if _, err := io.Copy(st, conn); err != nil {
		log.Debug("tcp to stream ended", "err", err)
	}
	_ = st.CloseWrite()

	// Give the peer time to drain the stream before tearing it down.
	lctx, lcancel := context.WithTimeout(sess.Context(), b.cfg.Linger)
	defer lcancel()
	select {
	case <-upDone:
	case <-lctx.Done():
	}
	_ = conn.Close()
	<-lctx.Done()
	_ = st.Close()
	return true
}
