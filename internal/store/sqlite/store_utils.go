package sqlite

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/longern/webtransportify/internal/domain"
	"github.com/longern/webtransportify/internal/netutil"
)

func newID() string {
	return uuid.New().String()
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return nullableString(*v)
}

func normalizeHostname(host string) string {
	return netutil.NormalizeHost(host)
}

func normalizeDomain(d string) string {
	return netutil.NormalizeHost(d)
}

func timestamp(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at.UTC()
}

// mapError translates driver errors into domain sentinels.
func mapError(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		err = domain.ErrNotFound
	case isConstraintError(err, "UNIQUE"), isConstraintError(err, "PRIMARY KEY"):
		err = domain.ErrConflict
	case isConstraintError(err, "FOREIGN KEY"):
		err = domain.ErrNotFound
	}
	return &domain.OpError{Op: op, Key: key, Err: err}
}

func isConstraintError(err error, kind string) bool {
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, kind+" CONSTRAINT FAILED")
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
