package directory

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/longern/webtransportify/internal/domain"
	"github.com/longern/webtransportify/internal/netutil"
)

// endpointHeader carries the tunnel endpoint on create requests.
const endpointHeader = "X-WT-Endpoint"

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.LookupByDomain(r.Context(), r.PathValue("domain"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.Header().Set("Last-Modified", c.UpdatedAt.UTC().Format(http.TimeFormat))
	writeJSON(w, http.StatusOK, domain.CertificateResponse{
		Domain:             c.Domain,
		URL:                c.URL,
		CertificateHash:    c.CertificateHash,
		AltCertificateHash: c.AltCertificateHash,
		UpdatedAt:          c.UpdatedAt.UTC().Format(http.TimeFormat),
	})
}

func (s *Server) handleSetCertificate(w http.ResponseWriter, r *http.Request) {
	hash, err := readRawBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	if hash == "" {
		writeError(w, http.StatusBadRequest, "certificate hash is required", "bad_request")
		return
	}
	name := r.PathValue("domain")
	if err := s.store.SetDomainCertificateHash(r.Context(), name, hash, s.requestTime(r)); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.log.Info("domain certificate rotated", "domain", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateCertificate(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimSpace(r.Header.Get(endpointHeader))
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "missing "+endpointHeader+" header", "bad_request")
		return
	}
	hash, err := readRawBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	name := r.PathValue("domain")
	if err := s.store.CreateDomainCertificate(r.Context(), name, endpoint, hash, s.requestTime(r)); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.log.Info("domain certificate created", "domain", name, "endpoint", endpoint)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetHostname(w http.ResponseWriter, r *http.Request) {
	host := netutil.NormalizeHost(r.Host)
	d, err := s.store.LookupByHostname(r.Context(), host)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		s.writeStoreError(w, r, err)
		return
	}
	w.Header().Set("Last-Modified", d.UpdatedAt.UTC().Format(http.TimeFormat))
	writeJSON(w, http.StatusOK, domain.HostnameResponse{
		Endpoint:           d.Endpoint,
		CertificateHash:    d.CertificateHash,
		AltCertificateHash: d.AltCertificateHash,
	})
}

func (s *Server) handleBindHostname(w http.ResponseWriter, r *http.Request) {
	var req domain.BindRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "bad_request")
		return
	}
	host := netutil.NormalizeHost(r.Host)
	if host == "" {
		writeError(w, http.StatusBadRequest, "missing Host", "bad_request")
		return
	}
	id, token, err := s.store.RegisterOrBind(r.Context(), host, strings.TrimSpace(req.TunnelID), s.requestTime(r))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.log.Info("hostname bound", "hostname", host, "tunnel_id", id, "new_tunnel", token != "")
	writeJSON(w, http.StatusCreated, domain.BindResponse{TunnelID: id, Token: token})
}

func (s *Server) handleCreateTunnel(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimSpace(r.Header.Get(endpointHeader))
	hash, err := readRawBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	t, token, err := s.store.CreateTunnel(r.Context(), endpoint, hash, s.requestTime(r))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.log.Info("tunnel created", "tunnel_id", t.ID, "endpoint", endpoint)
	writeJSON(w, http.StatusCreated, domain.CreateTunnelResponse{ID: t.ID, Token: token})
}

func (s *Server) handleUpdateTunnel(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateTunnelRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "bad_request")
		return
	}
	id := r.PathValue("id")
	upd := domain.TunnelUpdate{Endpoint: trimPtr(req.Endpoint), CertificateHash: trimPtr(req.CertificateHash)}
	if err := s.store.UpdateTunnel(r.Context(), id, r.PathValue("token"), upd, s.requestTime(r)); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.log.Info("tunnel updated", "tunnel_id", id, "endpoint_changed", upd.Endpoint != nil, "certificate_changed", upd.CertificateHash != nil)
	w.WriteHeader(http.StatusNoContent)
}

func readRawBody(w http.ResponseWriter, r *http.Request) (string, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return "", errors.New("request body too large")
	}
	return strings.TrimSpace(string(b)), nil
}

func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) error {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}
