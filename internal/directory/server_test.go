package directory

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/longern/webtransportify/internal/domain"
	"github.com/longern/webtransportify/internal/store/sqlite"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := sqlite.Open("file:dir_" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, slog.New(slog.DiscardHandler), DefaultPrefix).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createTunnel(t *testing.T, h http.Handler, endpoint, hash string) domain.CreateTunnelResponse {
	t.Helper()
	rec := do(t, h, http.MethodPost, "http://dir.example/webtransportify/tunnels", hash, map[string]string{endpointHeader: endpoint})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create tunnel status = %d body = %s", rec.Code, rec.Body.String())
	}
	var out domain.CreateTunnelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.ID == "" || out.Token == "" {
		t.Fatalf("expected id and token, got %+v", out)
	}
	return out
}

func TestHostnameLookupScenario(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t)
	tun := createTunnel(t, h, "origin:9443", "AAAA")

	rec := do(t, h, http.MethodPut, "http://a.example/webtransportify/hostname", `{"tunnel_id":"`+tun.ID+`"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("bind status = %d body = %s", rec.Code, rec.Body.String())
	}
	var bound domain.BindResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &bound)
	if bound.TunnelID != tun.ID || bound.Token != "" {
		t.Fatalf("unexpected bind response %+v", bound)
	}

	rec = do(t, h, http.MethodGet, "http://a.example/webtransportify/hostname", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"endpoint":"origin:9443","certificate_hash":"AAAA"}` {
		t.Fatalf("lookup body = %s", got)
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Fatal("expected Last-Modified header")
	}
}

func TestHostnameNotFoundDoesNotLeak(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t)
	createTunnel(t, h, "secret-origin:9443", "AAAA")

	rec := do(t, h, http.MethodGet, "http://unknown.example/webtransportify/hostname", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret-origin") {
		t.Fatalf("404 body leaks tunnels: %s", rec.Body.String())
	}
}

func TestBindHostnameCreatesTunnelAndConflicts(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t)
	rec := do(t, h, http.MethodPut, "http://new.example/webtransportify/hostname", "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var bound domain.BindResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &bound); err != nil {
		t.Fatal(err)
	}
	if bound.TunnelID == "" || bound.Token == "" {
		t.Fatalf("expected new tunnel credentials, got %+v", bound)
	}

	rec = do(t, h, http.MethodPut, "http://new.example/webtransportify/hostname", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("rebind status = %d, want 409", rec.Code)
	}

	body := `{"endpoint":"origin:7000","certificate_hash":"H1"}`
	rec = do(t, h, http.MethodPost, "http://dir.example/webtransportify/tunnels/"+bound.TunnelID+"/"+bound.Token, body, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("update status = %d body = %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "http://new.example/webtransportify/hostname", "", nil)
	if got := strings.TrimSpace(rec.Body.String()); got != `{"endpoint":"origin:7000","certificate_hash":"H1"}` {
		t.Fatalf("lookup body = %s", got)
	}
}

func TestUpdateTunnelRotationAndErrors(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t)
	tun := createTunnel(t, h, "origin:9443", "H1")
	do(t, h, http.MethodPut, "http://r.example/webtransportify/hostname", `{"tunnel_id":"`+tun.ID+`"}`, nil)

	base := "http://dir.example/webtransportify/tunnels/" + tun.ID + "/"
	date := map[string]string{"Date": time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC).Format(http.TimeFormat)}
	if rec := do(t, h, http.MethodPost, base+tun.Token, `{"certificate_hash":"H2"}`, date); rec.Code != http.StatusNoContent {
		t.Fatalf("update status = %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "http://r.example/webtransportify/hostname", "", nil)
	if got := strings.TrimSpace(rec.Body.String()); got != `{"endpoint":"origin:9443","certificate_hash":"H2","alt_certificate_hash":"H1"}` {
		t.Fatalf("lookup body = %s", got)
	}
	if got := rec.Header().Get("Last-Modified"); got != date["Date"] {
		t.Fatalf("Last-Modified = %q, want %q", got, date["Date"])
	}

	if rec := do(t, h, http.MethodPost, base+"wrong-token", `{"certificate_hash":"H3"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "http://dir.example/webtransportify/tunnels/missing/x", `{}`, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing tunnel status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, base+tun.Token, `{not json`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d, want 400", rec.Code)
	}
}

func TestDomainCertificateEndpoints(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t)
	url := "http://dir.example/webtransportify/certificates/d.example"

	if rec := do(t, h, http.MethodPut, url, "H1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing endpoint header status = %d, want 400", rec.Code)
	}
	hdr := map[string]string{endpointHeader: "https://origin:9443/"}
	if rec := do(t, h, http.MethodPut, url, "H1", hdr); rec.Code != http.StatusNoContent {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPut, url, "H1", hdr); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, url, "H2", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("set status = %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, url, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got domain.CertificateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.URL != "https://origin:9443/" || got.CertificateHash != "H2" || got.AltCertificateHash != "H1" {
		t.Fatalf("unexpected certificate %+v", got)
	}

	missing := "http://dir.example/webtransportify/certificates/missing.example"
	if rec := do(t, h, http.MethodGet, missing, "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing get status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, missing, "H2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing set status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, url, "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty hash status = %d, want 400", rec.Code)
	}
}

func TestHealthzAndPrefix(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t)
	rec := do(t, h, http.MethodGet, "http://dir.example/webtransportify/healthz", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "http://a.example/hostname", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unprefixed path status = %d, want 404", rec.Code)
	}

	root := New(nil, nil, "/").Handler()
	if rec := do(t, root, http.MethodGet, "http://dir.example/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("root-mounted healthz status = %d", rec.Code)
	}
}
