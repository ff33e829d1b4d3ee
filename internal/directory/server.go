// Package directory serves the certificate directory HTTP API: tunnel
// registration, hostname binding, certificate rotation and lookups.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/longern/webtransportify/internal/domain"
)

// DefaultPrefix is the path prefix the API is mounted under.
const DefaultPrefix = "/webtransportify"

const maxBodyBytes = 4 << 10

// Store is the persistence the directory needs.
type Store interface {
	LookupByHostname(ctx context.Context, host string) (domain.Descriptor, error)
	LookupByDomain(ctx context.Context, name string) (domain.DomainCertificate, error)
	CreateTunnel(ctx context.Context, endpoint, certificateHash string, at time.Time) (domain.Tunnel, string, error)
	RegisterOrBind(ctx context.Context, host, tunnelID string, at time.Time) (string, string, error)
	UpdateTunnel(ctx context.Context, id, token string, upd domain.TunnelUpdate, at time.Time) error
	CreateDomainCertificate(ctx context.Context, name, url, certificateHash string, at time.Time) error
	SetDomainCertificateHash(ctx context.Context, name, certificateHash string, at time.Time) error
}

// Server exposes a [Store] over HTTP.
type Server struct {
	store  Store
	log    *slog.Logger
	prefix string
	now    func() time.Time
}

// New returns a directory server. An empty prefix mounts the API at the root.
func New(store Store, logger *slog.Logger, prefix string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "/" {
		prefix = ""
	}
	return &Server{
		store:  store,
		log:    logger,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	p := s.prefix
	mux.HandleFunc("GET "+p+"/certificates/{domain}", s.handleGetCertificate)
	mux.HandleFunc("POST "+p+"/certificates/{domain}", s.handleSetCertificate)
	mux.HandleFunc("PUT "+p+"/certificates/{domain}", s.handleCreateCertificate)
	mux.HandleFunc("GET "+p+"/hostname", s.handleGetHostname)
	mux.HandleFunc("PUT "+p+"/hostname", s.handleBindHostname)
	mux.HandleFunc("POST "+p+"/tunnels", s.handleCreateTunnel)
	mux.HandleFunc("POST "+p+"/tunnels/{id}/{token}", s.handleUpdateTunnel)
	mux.HandleFunc("GET "+p+"/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// requestTime takes the timestamp from the Date header when present.
func (s *Server) requestTime(r *http.Request) time.Time {
	if v := strings.TrimSpace(r.Header.Get("Date")); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t.UTC()
		}
	}
	return s.now()
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", "not_found")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "already exists", "conflict")
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
	default:
		s.log.Error("directory request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg, ErrorCode: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}
