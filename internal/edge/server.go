package edge

import (
	"net/http"

	wtlog "github.com/longern/webtransportify/internal/log"
)

// HandlerOptions configures the edge HTTP handler.
type HandlerOptions struct {
	// Origins restricts relaying to these hosts. Empty relays any host.
	Origins []string
	// Broadcaster enables the /webtransportify/log channel when set.
	Broadcaster *wtlog.Broadcaster
	// Fallback serves requests that are not relayed.
	Fallback http.Handler
}

// NewHandler serves the edge endpoints and relays everything else.
func NewHandler(relay *Relay, opts HandlerOptions) http.Handler {
	interceptor := &HandlerInterceptor{
		Filter:   Filter{Origins: opts.Origins},
		Fallback: opts.Fallback,
		Log:      relay.log,
	}
	interceptor.OnRequest(relay.Handle)

	mux := endpoints(relay, opts)
	mux.Handle("/", interceptor)
	return mux
}

// NewProxyHandler serves a forward proxy relaying requests for
// opts.Origins. Requests addressed to the proxy itself reach the edge
// endpoints.
func NewProxyHandler(relay *Relay, opts HandlerOptions, mitm bool) http.Handler {
	p := NewProxyInterceptor(opts.Origins, mitm)
	p.OnRequest(relay.Handle)

	mux := endpoints(relay, opts)
	if opts.Fallback != nil {
		mux.Handle("/", opts.Fallback)
	}
	p.proxy.NonproxyHandler = mux
	return p
}

func endpoints(relay *Relay, opts HandlerOptions) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webtransportify/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Broadcaster != nil {
		mux.Handle("GET /webtransportify/log", &LogChannel{Broadcaster: opts.Broadcaster, Log: relay.log})
	}
	return mux
}
