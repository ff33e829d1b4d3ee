package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`webtransportify - HTTP over certificate-pinned QUIC tunnels

Serve an origin with no public inbound path: a bridge next to the origin
accepts pinned QUIC sessions, an edge relays HTTP requests over them, and a
directory tells edges where each tunnel lives and which certificate to pin.

Usage:
  webtransportify directory [flags]     Run the tunnel directory (SQLite)
  webtransportify edge [flags]          Relay HTTP requests into tunnels
  webtransportify bridge [flags]        Splice tunnel streams to a local TCP target
  webtransportify forward [flags]       Forward a local TCP port through a tunnel
  webtransportify version               Print version
  webtransportify help                  Show this help

Every command accepts --config FILE (YAML, keys named like the flags) and
reads WT_* variables from the environment and from ./.env.

Quick Start:
  1. webtransportify directory --db ./wt.db
  2. webtransportify bridge --target 8080 --directory http://dir:8787/webtransportify/ \
       --endpoint tunnel.example.com:34433 --hostname app.example.com
  3. webtransportify edge --directory http://dir:8787/webtransportify/

Environment Variables:
  WT_CONFIG              YAML config file
  WT_DIRECTORY           Directory base URL
  WT_LISTEN              Listen address of the command
  WT_TARGET              Bridge TCP target (host:port or port)
  WT_ENDPOINT            Public tunnel endpoint
  WT_HOSTNAME            Hostname bound to the tunnel
  WT_DOMAIN              Domain certificate record
  WT_SCH                 Pinned certificate hashes for forward
  WT_DB_PATH             SQLite database path (default: ./webtransportify.db)
  WT_LOG_LEVEL           Log level: debug|info|warn|error (default: info)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("webtransportify", Version)
}
