package framedgw

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the framed gateway configuration.
type Config struct {
	HTTPPort       int
	DownstreamHost string
	DownstreamPort int

	// WatchdogInterval is how often per-session RTP inactivity is checked.
	WatchdogInterval time.Duration

	// InactivityTimeout closes a session when no RTP arrived for this long.
	InactivityTimeout time.Duration

	// WriteTimeout bounds each downstream TCP write so a stalled peer
	// cannot wedge the session under its own lock.
	WriteTimeout time.Duration

	// DumpDir, when non-empty, enables the diagnostic WAV dump of the first
	// seconds of each session's PCM.
	DumpDir string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from flags with environment overrides.
func Load() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.HTTPPort, "http-port", 8085, "HTTP control port")
	flag.StringVar(&cfg.DownstreamHost, "downstream-host", "127.0.0.1", "downstream TCP peer host")
	flag.IntVar(&cfg.DownstreamPort, "downstream-port", 9100, "downstream TCP peer port")
	flag.StringVar(&cfg.DumpDir, "dump-dir", "", "directory for diagnostic WAV dumps (empty disables)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level")
	flag.StringVar(&cfg.LogFormat, "logformat", "json", "log format (json or text)")
	flag.Parse()

	cfg.WatchdogInterval = 2 * time.Second
	cfg.InactivityTimeout = 8 * time.Second
	cfg.WriteTimeout = 5 * time.Second

	if v := os.Getenv("FGW_HTTP_PORT"); v != "" {
		cfg.HTTPPort, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("FGW_DOWNSTREAM_HOST"); v != "" {
		cfg.DownstreamHost = v
	}
	if v := os.Getenv("FGW_DOWNSTREAM_PORT"); v != "" {
		cfg.DownstreamPort, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("FGW_DUMP_DIR"); v != "" {
		cfg.DumpDir = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOGFORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}
