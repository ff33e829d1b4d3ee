package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/longern/webtransportify/internal/netutil"
)

// DirectoryConfig configures the directory service.
type DirectoryConfig struct {
	Listen         string   `yaml:"listen"`
	DBPath         string   `yaml:"db"`
	Prefix         string   `yaml:"prefix"`
	TLSCertFile    string   `yaml:"tls-cert-file"`
	TLSKeyFile     string   `yaml:"tls-key-file"`
	TLSDomains     []string `yaml:"tls-domain"`
	CertCacheDir   string   `yaml:"cert-cache-dir"`
	ChallengeAddr  string   `yaml:"http-challenge-listen"`
	DBMaxOpenConns int      `yaml:"db-max-open-conns"`
	DBMaxIdleConns int      `yaml:"db-max-idle-conns"`
	LogLevel       string   `yaml:"log-level"`
	PprofListen    string   `yaml:"pprof-listen"`
}

// EdgeConfig configures the edge relay.
type EdgeConfig struct {
	Listen       string `yaml:"listen"`
	DirectoryURL string `yaml:"directory"`
	// Domain switches lookups to the domain certificate record of that
	// name. Empty means per-hostname lookups.
	Domain string `yaml:"domain"`
	// Mode is "handler" (reverse proxy) or "proxy" (forward proxy).
	Mode           string        `yaml:"mode"`
	Origins        []string      `yaml:"origin"`
	MITM           bool          `yaml:"mitm"`
	CacheBytes     int           `yaml:"cache-bytes"`
	RequestTimeout time.Duration `yaml:"request-timeout"`
	LogChannel     bool          `yaml:"log-channel"`
	TLSCertFile    string        `yaml:"tls-cert-file"`
	TLSKeyFile     string        `yaml:"tls-key-file"`
	TLSDomains     []string      `yaml:"tls-domain"`
	CertCacheDir   string        `yaml:"cert-cache-dir"`
	ChallengeAddr  string        `yaml:"http-challenge-listen"`
	LogLevel       string        `yaml:"log-level"`
	PprofListen    string        `yaml:"pprof-listen"`
}

// BridgeConfig configures the tunnel-side bridge.
type BridgeConfig struct {
	Listen           string `yaml:"listen"`
	Target           string `yaml:"target"`
	CertDir          string `yaml:"cert-dir"`
	CertFile         string `yaml:"cert"`
	KeyFile          string `yaml:"key"`
	RotationSchedule string `yaml:"rotation-schedule"`
	DirectoryURL     string `yaml:"directory"`
	// Endpoint is the public address edges dial, published to the
	// directory.
	Endpoint    string `yaml:"endpoint"`
	Hostname    string `yaml:"hostname"`
	Domain      string `yaml:"domain"`
	Webhook     string `yaml:"cert-webhook"`
	LogLevel    string `yaml:"log-level"`
	PprofListen string `yaml:"pprof-listen"`
}

// ForwardConfig configures the local TCP forwarder.
type ForwardConfig struct {
	Listen string `yaml:"listen"`
	// Endpoint and Hashes pin the tunnel directly, bypassing the directory.
	Endpoint     string   `yaml:"endpoint"`
	Hashes       []string `yaml:"sch"`
	DirectoryURL string   `yaml:"directory"`
	Hostname     string   `yaml:"hostname"`
	Domain       string   `yaml:"domain"`
	LogLevel     string   `yaml:"log-level"`
}

const (
	defaultDirectoryListen    = ":8787"
	defaultDirectoryDBPath    = "./webtransportify.db"
	defaultDirectoryPrefix    = "/webtransportify"
	defaultCertCacheDir       = "./cert"
	defaultChallengeListen    = ":80"
	defaultEdgeListen         = ":8080"
	defaultEdgeMode           = "handler"
	defaultEdgeCacheBytes     = 64 << 20
	defaultEdgeRequestTimeout = 15 * time.Second
	defaultBridgeListen       = ":34433"
	defaultBridgeSchedule     = "@hourly"
	defaultForwardListen      = "127.0.0.1:8022"
)

func ParseDirectoryFlags(args []string) (DirectoryConfig, error) {
	cfg := DirectoryConfig{
		Listen:         defaultDirectoryListen,
		DBPath:         defaultDirectoryDBPath,
		Prefix:         defaultDirectoryPrefix,
		CertCacheDir:   defaultCertCacheDir,
		ChallengeAddr:  defaultChallengeListen,
		DBMaxOpenConns: 1,
		DBMaxIdleConns: 1,
		LogLevel:       "info",
	}
	if err := loadFile(args, &cfg); err != nil {
		return cfg, err
	}
	cfg.Listen = envOrDefault("WT_LISTEN", cfg.Listen)
	cfg.DBPath = envOrDefault("WT_DB_PATH", cfg.DBPath)
	cfg.Prefix = envOrDefault("WT_PREFIX", cfg.Prefix)
	cfg.TLSCertFile = envOrDefault("WT_TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = envOrDefault("WT_TLS_KEY_FILE", cfg.TLSKeyFile)
	cfg.TLSDomains = envListOrDefault("WT_TLS_DOMAINS", cfg.TLSDomains)
	cfg.CertCacheDir = envOrDefault("WT_CERT_CACHE_DIR", cfg.CertCacheDir)
	cfg.ChallengeAddr = envOrDefault("WT_HTTP_CHALLENGE_LISTEN", cfg.ChallengeAddr)
	cfg.DBMaxOpenConns = envIntOrDefault("WT_DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns)
	cfg.DBMaxIdleConns = envIntOrDefault("WT_DB_MAX_IDLE_CONNS", cfg.DBMaxIdleConns)
	cfg.LogLevel = envOrDefault("WT_LOG_LEVEL", cfg.LogLevel)
	cfg.PprofListen = envOrDefault("WT_PPROF_LISTEN", cfg.PprofListen)

	fs := newFlagSet("directory")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP(S) listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "Path prefix for the API, e.g. /api")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file")
	fs.Var(newListFlag(&cfg.TLSDomains), "tls-domain", "Host to obtain an ACME certificate for (repeatable)")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME cert cache dir")
	fs.StringVar(&cfg.ChallengeAddr, "http-challenge-listen", cfg.ChallengeAddr, "HTTP-01 challenge listen address")
	fs.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", cfg.DBMaxOpenConns, "SQLite max open connections")
	fs.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", cfg.DBMaxIdleConns, "SQLite max idle connections")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Optional pprof listen address")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("missing --db or WT_DB_PATH")
	}
	if cfg.DBMaxOpenConns <= 0 {
		return cfg, errors.New("db max open conns must be > 0")
	}
	if cfg.DBMaxIdleConns < 0 {
		return cfg, errors.New("db max idle conns must be >= 0")
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		return cfg, errors.New("db max idle conns must be <= db max open conns")
	}
	if err := validateTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
		return cfg, err
	}
	cfg.TLSDomains = normalizeHosts(cfg.TLSDomains)
	return cfg, nil
}

func ParseEdgeFlags(args []string) (EdgeConfig, error) {
	cfg := EdgeConfig{
		Listen:         defaultEdgeListen,
		Mode:           defaultEdgeMode,
		CacheBytes:     defaultEdgeCacheBytes,
		RequestTimeout: defaultEdgeRequestTimeout,
		CertCacheDir:   defaultCertCacheDir,
		ChallengeAddr:  defaultChallengeListen,
		LogLevel:       "info",
	}
	if err := loadFile(args, &cfg); err != nil {
		return cfg, err
	}
	cfg.Listen = envOrDefault("WT_LISTEN", cfg.Listen)
	cfg.DirectoryURL = envOrDefault("WT_DIRECTORY", cfg.DirectoryURL)
	cfg.Domain = envOrDefault("WT_DOMAIN", cfg.Domain)
	cfg.Mode = envOrDefault("WT_EDGE_MODE", cfg.Mode)
	cfg.Origins = envListOrDefault("WT_ORIGINS", cfg.Origins)
	cfg.MITM = envBoolOrDefault("WT_MITM", cfg.MITM)
	cfg.CacheBytes = envIntOrDefault("WT_CACHE_BYTES", cfg.CacheBytes)
	cfg.RequestTimeout = envDurationOrDefault("WT_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.LogChannel = envBoolOrDefault("WT_LOG_CHANNEL", cfg.LogChannel)
	cfg.TLSCertFile = envOrDefault("WT_TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = envOrDefault("WT_TLS_KEY_FILE", cfg.TLSKeyFile)
	cfg.TLSDomains = envListOrDefault("WT_TLS_DOMAINS", cfg.TLSDomains)
	cfg.CertCacheDir = envOrDefault("WT_CERT_CACHE_DIR", cfg.CertCacheDir)
	cfg.ChallengeAddr = envOrDefault("WT_HTTP_CHALLENGE_LISTEN", cfg.ChallengeAddr)
	cfg.LogLevel = envOrDefault("WT_LOG_LEVEL", cfg.LogLevel)
	cfg.PprofListen = envOrDefault("WT_PPROF_LISTEN", cfg.PprofListen)

	fs := newFlagSet("edge")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP(S) listen address")
	fs.StringVar(&cfg.DirectoryURL, "directory", cfg.DirectoryURL, "Directory base URL")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Look up every request under this domain certificate record")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Interception mode: handler|proxy")
	fs.Var(newListFlag(&cfg.Origins), "origin", "Host to relay (repeatable); empty relays every host")
	fs.BoolVar(&cfg.MITM, "mitm", cfg.MITM, "Intercept CONNECT tunnels in proxy mode")
	fs.IntVar(&cfg.CacheBytes, "cache-bytes", cfg.CacheBytes, "Response cache size in bytes (0 disables)")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Timeout until response headers arrive")
	fs.BoolVar(&cfg.LogChannel, "log-channel", cfg.LogChannel, "Serve the /webtransportify/log channel (same-host entries only)")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file")
	fs.Var(newListFlag(&cfg.TLSDomains), "tls-domain", "Host to obtain an ACME certificate for (repeatable)")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME cert cache dir")
	fs.StringVar(&cfg.ChallengeAddr, "http-challenge-listen", cfg.ChallengeAddr, "HTTP-01 challenge listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Optional pprof listen address")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.DirectoryURL = strings.TrimSpace(cfg.DirectoryURL)
	if cfg.DirectoryURL == "" {
		return cfg, errors.New("missing --directory or WT_DIRECTORY")
	}
	cfg.Domain = netutil.NormalizeHost(cfg.Domain)
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case "handler", "proxy":
	default:
		return cfg, errors.New("mode must be one of: handler, proxy")
	}
	if cfg.MITM && cfg.Mode != "proxy" {
		return cfg, errors.New("--mitm requires --mode proxy")
	}
	if cfg.CacheBytes < 0 {
		return cfg, errors.New("cache bytes must be >= 0")
	}
	if cfg.RequestTimeout <= 0 {
		return cfg, errors.New("request timeout must be > 0")
	}
	if err := validateTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
		return cfg, err
	}
	cfg.Origins = normalizeHosts(cfg.Origins)
	cfg.TLSDomains = normalizeHosts(cfg.TLSDomains)
	return cfg, nil
}

func ParseBridgeFlags(args []string) (BridgeConfig, error) {
	cfg := BridgeConfig{
		Listen:           defaultBridgeListen,
		CertDir:          ".",
		RotationSchedule: defaultBridgeSchedule,
		LogLevel:         "info",
	}
	if err := loadFile(args, &cfg); err != nil {
		return cfg, err
	}
	cfg.Listen = envOrDefault("WT_LISTEN", cfg.Listen)
	cfg.Target = envOrDefault("WT_TARGET", cfg.Target)
	cfg.CertDir = envOrDefault("WT_CERT_DIR", cfg.CertDir)
	cfg.CertFile = envOrDefault("WT_CERT_FILE", cfg.CertFile)
	cfg.KeyFile = envOrDefault("WT_KEY_FILE", cfg.KeyFile)
	cfg.RotationSchedule = envOrDefault("WT_ROTATION_SCHEDULE", cfg.RotationSchedule)
	cfg.DirectoryURL = envOrDefault("WT_DIRECTORY", cfg.DirectoryURL)
	cfg.Endpoint = envOrDefault("WT_ENDPOINT", cfg.Endpoint)
	cfg.Hostname = envOrDefault("WT_HOSTNAME", cfg.Hostname)
	cfg.Domain = envOrDefault("WT_DOMAIN", cfg.Domain)
	cfg.Webhook = envOrDefault("WT_CERT_WEBHOOK", cfg.Webhook)
	cfg.LogLevel = envOrDefault("WT_LOG_LEVEL", cfg.LogLevel)
	cfg.PprofListen = envOrDefault("WT_PPROF_LISTEN", cfg.PprofListen)

	fs := newFlagSet("bridge")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "UDP address for tunnel sessions")
	fs.StringVar(&cfg.Target, "target", cfg.Target, "TCP target, host:port or a bare port on 127.0.0.1")
	fs.StringVar(&cfg.CertDir, "cert-dir", cfg.CertDir, "Directory for the generated cert.pem and key.pem")
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "Static certificate PEM file (disables rotation)")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "Static key PEM file (disables rotation)")
	fs.StringVar(&cfg.RotationSchedule, "rotation-schedule", cfg.RotationSchedule, "Cron spec for certificate rotation checks")
	fs.StringVar(&cfg.DirectoryURL, "directory", cfg.DirectoryURL, "Directory base URL")
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "Public tunnel endpoint published to the directory")
	fs.StringVar(&cfg.Hostname, "hostname", cfg.Hostname, "Hostname to bind to this tunnel")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Domain certificate record to keep current")
	fs.StringVar(&cfg.Webhook, "cert-webhook", cfg.Webhook, "URL notified with every new certificate hash")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Optional pprof listen address")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if strings.TrimSpace(cfg.Target) == "" {
		return cfg, errors.New("missing --target or WT_TARGET")
	}
	target, err := netutil.TargetAddress(cfg.Target)
	if err != nil {
		return cfg, err
	}
	cfg.Target = target
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return cfg, errors.New("--cert and --key must be set together")
	}
	if strings.TrimSpace(cfg.RotationSchedule) == "" {
		return cfg, errors.New("rotation schedule must not be empty")
	}
	cfg.Hostname = netutil.NormalizeHost(cfg.Hostname)
	cfg.Domain = netutil.NormalizeHost(cfg.Domain)
	if (cfg.Hostname != "" || cfg.Domain != "") && strings.TrimSpace(cfg.DirectoryURL) == "" {
		return cfg, errors.New("--hostname and --domain require --directory")
	}
	if cfg.Hostname != "" && strings.TrimSpace(cfg.Endpoint) == "" {
		return cfg, errors.New("--hostname requires --endpoint")
	}
	return cfg, nil
}

func ParseForwardFlags(args []string) (ForwardConfig, error) {
	cfg := ForwardConfig{
		Listen:   defaultForwardListen,
		LogLevel: "info",
	}
	if err := loadFile(args, &cfg); err != nil {
		return cfg, err
	}
	cfg.Listen = envOrDefault("WT_LISTEN", cfg.Listen)
	cfg.Endpoint = envOrDefault("WT_ENDPOINT", cfg.Endpoint)
	cfg.Hashes = envListOrDefault("WT_SCH", cfg.Hashes)
	cfg.DirectoryURL = envOrDefault("WT_DIRECTORY", cfg.DirectoryURL)
	cfg.Hostname = envOrDefault("WT_HOSTNAME", cfg.Hostname)
	cfg.Domain = envOrDefault("WT_DOMAIN", cfg.Domain)
	cfg.LogLevel = envOrDefault("WT_LOG_LEVEL", cfg.LogLevel)

	fs := newFlagSet("forward")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Local TCP listen address")
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "Tunnel endpoint to dial")
	fs.Var(newListFlag(&cfg.Hashes), "sch", "Pinned server certificate hash (repeatable)")
	fs.StringVar(&cfg.DirectoryURL, "directory", cfg.DirectoryURL, "Directory base URL")
	fs.StringVar(&cfg.Hostname, "hostname", cfg.Hostname, "Resolve the tunnel by hostname")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Resolve the tunnel by domain certificate record")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Hostname = netutil.NormalizeHost(cfg.Hostname)
	cfg.Domain = netutil.NormalizeHost(cfg.Domain)
	static := strings.TrimSpace(cfg.Endpoint) != "" || len(cfg.Hashes) > 0
	switch {
	case static:
		if strings.TrimSpace(cfg.Endpoint) == "" || len(cfg.Hashes) == 0 {
			return cfg, errors.New("--endpoint and --sch must be set together")
		}
		if len(cfg.Hashes) > 2 {
			return cfg, errors.New("at most two --sch hashes (current and alternate)")
		}
		if cfg.DirectoryURL != "" || cfg.Hostname != "" || cfg.Domain != "" {
			return cfg, errors.New("--endpoint cannot be combined with directory lookups")
		}
	case strings.TrimSpace(cfg.DirectoryURL) == "":
		return cfg, errors.New("missing --endpoint/--sch or --directory")
	case (cfg.Hostname == "") == (cfg.Domain == ""):
		return cfg, errors.New("exactly one of --hostname or --domain is required with --directory")
	}
	return cfg, nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", "", "YAML config file (or WT_CONFIG)")
	return fs
}

// loadFile overlays the YAML file named by --config or WT_CONFIG onto cfg.
// Keys follow the flag names.
func loadFile(args []string, cfg any) error {
	path := configPath(args)
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func configPath(args []string) string {
	path := strings.TrimSpace(os.Getenv("WT_CONFIG"))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			path = value
		} else if i+1 < len(args) {
			path = args[i+1]
			i++
		}
	}
	return strings.TrimSpace(path)
}

func validateTLS(certFile, keyFile string) error {
	if (strings.TrimSpace(certFile) == "") != (strings.TrimSpace(keyFile) == "") {
		return errors.New("--tls-cert-file and --tls-key-file must be set together")
	}
	return nil
}

func normalizeHosts(hosts []string) []string {
	out := hosts[:0]
	for _, h := range hosts {
		if h = netutil.NormalizeHost(h); h != "" {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// listFlag is a repeatable, comma-separated flag. The first use on the
// command line replaces values taken from the environment or config file.
type listFlag struct {
	target *[]string
	set    bool
}

func newListFlag(target *[]string) *listFlag {
	return &listFlag{target: target}
}

func (l *listFlag) String() string {
	if l == nil || l.target == nil {
		return ""
	}
	return strings.Join(*l.target, ",")
}

func (l *listFlag) Set(v string) error {
	if !l.set {
		*l.target = nil
		l.set = true
	}
	*l.target = append(*l.target, splitList(v)...)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envListOrDefault(key string, def []string) []string {
	if v := splitList(os.Getenv(key)); len(v) > 0 {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
