package bridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/longern/webtransportify/internal/certs"
)

// loadIdentity reuses the persisted certificate while it is valid and not
// due for rotation; otherwise a new one is generated and saved. fresh
// reports whether a certificate was generated.
func (b *Bridge) loadIdentity() (id *certs.Identity, fresh bool, err error) {
	certFile, keyFile := b.cfg.certPaths()
	id, err = certs.LoadIdentity(certFile, keyFile)
	if b.cfg.static() {
		if err != nil {
			return nil, false, fmt.Errorf("load certificate: %w", err)
		}
		return id, false, nil
	}

	switch {
	case err == nil && id.ValidAt(b.now()) && !b.dueForRotation(id):
		return id, false, nil
	case err == nil:
		b.log.Info("persisted certificate expired, generating a new one", "not_after", id.Leaf.NotAfter)
	case errors.Is(err, fs.ErrNotExist):
	default:
		b.log.Warn("persisted certificate unreadable, generating a new one", "err", err)
	}

	id, err = certs.GenerateSelfSigned(b.now(), b.cfg.Validity)
	if err != nil {
		return nil, false, fmt.Errorf("generate certificate: %w", err)
	}
	if err := id.Save(certFile, keyFile); err != nil {
		return nil, false, fmt.Errorf("save certificate: %w", err)
	}
	return id, true, nil
}

func (b *Bridge) dueForRotation(id *certs.Identity) bool {
	return b.now().Sub(id.Leaf.NotBefore) >= b.cfg.RotateAfter
}

// checkRotation runs on every schedule tick. It rotates a certificate that
// is due and otherwise republishes the served hash until a publish succeeds.
func (b *Bridge) checkRotation(ctx context.Context) {
	if !b.cfg.static() && b.dueForRotation(b.holder.Load()) {
		if err := b.Rotate(ctx); err != nil {
			b.log.Error("certificate rotation failed", "err", err)
		}
		return
	}
	if b.Published() {
		return
	}
	if err := b.publish(ctx, b.Hash()); err != nil {
		b.log.Warn("republish certificate hash failed", "err", err)
	}
}

// Rotate replaces the serving certificate and publishes its hash. Sessions
// established with the old certificate stay open.
func (b *Bridge) Rotate(ctx context.Context) error {
	if b.cfg.static() {
		return errors.New("rotation is disabled for a static certificate")
	}
	b.rotateMu.Lock()
	defer b.rotateMu.Unlock()

	id, err := certs.GenerateSelfSigned(b.now(), b.cfg.Validity)
	if err != nil {
		return fmt.Errorf("generate certificate: %w", err)
	}
	certFile, keyFile := b.cfg.certPaths()
	if err := id.Save(certFile, keyFile); err != nil {
		return fmt.Errorf("save certificate: %w", err)
	}
	old := b.holder.Load()
	b.holder.Store(id)
	b.log.Info("certificate rotated", "certificate_hash", id.Hash.String(), "previous_hash", old.Hash.String(), "not_after", id.Leaf.NotAfter)
	return b.publish(ctx, id.Hash)
}

func (b *Bridge) publish(ctx context.Context, h certs.Hash) error {
	if b.publisher == nil {
		return nil
	}
	if err := b.publisher.Publish(ctx, h); err != nil {
		return err
	}
	b.published.Store(&h)
	b.log.Info("certificate hash published", "certificate_hash", h.String())
	return nil
}

// Published reports whether the served hash has reached the publisher.
// It is true when there is no publisher.
func (b *Bridge) Published() bool {
	if b.publisher == nil {
		return true
	}
	h := b.published.Load()
	return h != nil && *h == b.Hash()
}
