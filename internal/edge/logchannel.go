package edge

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	wtlog "github.com/longern/webtransportify/internal/log"
	"github.com/longern/webtransportify/internal/netutil"
)

const (
	logWriteTimeout = 5 * time.Second
	logPingInterval = 30 * time.Second
)

// logUpgrader keeps the default same-origin check.
var logUpgrader = websocket.Upgrader{}

// LogChannel streams relay log entries to WebSocket clients as JSON. A
// subscriber only sees entries whose host attribute matches the host it
// connected to.
type LogChannel struct {
	Broadcaster *wtlog.Broadcaster
	Log         *slog.Logger
}

func (c *LogChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := logUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	host := netutil.NormalizeHost(r.Host)
	entries, cancel := c.Broadcaster.Subscribe(256)
	defer cancel()

	// The reader only watches for the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(logPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(logWriteTimeout)); err != nil {
				return
			}
		case e, ok := <-entries:
			if !ok {
				return
			}
			if h, _ := e.Attrs["host"].(string); h == "" || h != host {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(logWriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				if c.Log != nil {
					c.Log.Debug("log channel write failed", "err", err)
				}
				return
			}
		}
	}
}
