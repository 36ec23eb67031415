package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "PEER_RELAY_LISTEN_ADDR"
	envVarPublicBaseURL   = "PEER_RELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "PEER_RELAY_LOG_FORMAT"
	envVarLogLevel        = "PEER_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "PEER_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "PEER_RELAY_MODE"

	// Signaling knobs.
	envVarExpiryInterval  = "PEER_EXPIRY_INTERVAL"
	envVarMaxMessageBytes = "MAX_SIGNALING_MESSAGE_BYTES"

	// Matchmaking knobs.
	envVarMatchDBPath     = "MATCH_DB_PATH"
	envVarMatchStaleAfter = "MATCH_STALE_AFTER"

	DefaultListenAddr      = "127.0.0.1:9000"
	DefaultShutdown        = 15 * time.Second
	DefaultExpiryInterval  = 30 * time.Second
	DefaultMatchStaleAfter = 5 * time.Minute
	DefaultMatchDBPath     = "matchmaking.db"
	DefaultMode            = ModeDev

	DefaultMaxMessageBytes = int64(64 * 1024)
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// ExpiryInterval is how long a bound peer may stay silent (no heartbeat)
	// before its connection is evicted.
	ExpiryInterval time.Duration

	// MaxMessageBytes caps inbound signaling envelope size at the WebSocket
	// layer.
	MaxMessageBytes int64

	// MatchDBPath is the SQLite database file backing the matchmaking queue.
	MatchDBPath string

	// MatchStaleAfter is the age past which a waiting matchmaking entry is
	// reaped by opportunistic cleanup.
	MatchStaleAfter time.Duration

	// ICEServers is the list advertised to browser peers via GET /ice.
	// The relay itself never opens ICE sockets.
	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	matchDBPath := envOrDefault(lookup, envVarMatchDBPath, DefaultMatchDBPath)

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	expiryInterval := DefaultExpiryInterval
	if raw, ok := lookup(envVarExpiryInterval); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarExpiryInterval, raw, err)
		}
		expiryInterval = d
	}

	matchStaleAfter := DefaultMatchStaleAfter
	if raw, ok := lookup(envVarMatchStaleAfter); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMatchStaleAfter, raw, err)
		}
		matchStaleAfter = d
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	fs := flag.NewFlagSet("peer-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&expiryInterval, "expiry-interval", expiryInterval, "Evict bound peers after this long without a heartbeat (env "+envVarExpiryInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.StringVar(&matchDBPath, "match-db", matchDBPath, "SQLite database path for the matchmaking queue (env "+envVarMatchDBPath+")")
	fs.DurationVar(&matchStaleAfter, "match-stale-after", matchStaleAfter, "Reap waiting matchmaking entries older than this (env "+envVarMatchStaleAfter+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if expiryInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--expiry-interval must be > 0", envVarExpiryInterval)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if strings.TrimSpace(matchDBPath) == "" {
		return Config{}, fmt.Errorf("%s/--match-db must not be empty", envVarMatchDBPath)
	}
	if matchStaleAfter <= 0 {
		return Config{}, fmt.Errorf("%s/--match-stale-after must be > 0", envVarMatchStaleAfter)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  splitCommaList(allowedOriginsStr),
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		ExpiryInterval:  expiryInterval,
		MaxMessageBytes: maxMessageBytes,
		MatchDBPath:     matchDBPath,
		MatchStaleAfter: matchStaleAfter,
	}

	// ICE misconfiguration is surfaced via /readyz rather than refusing to
	// start: the signaling plane still works without advertised ICE servers.
	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

// NewLogger builds the process-wide slog.Logger from the configured format
// and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	switch cfg.LogFormat {
	case LogFormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case LogFormatText:
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
}

func defaultLogFormatForMode(mode string) string {
	if mode == string(ModeProd) {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if mode == string(ModeProd) {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (want text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func splitCommaList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
