// Package orchestrator drives the PBX control plane to tap live calls:
// it installs snoop channels, mixing bridges and external-media channels
// per call, allocates framed-gateway ports, and owns the per-call resource
// graph and its teardown.
package orchestrator

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// Config holds the orchestrator configuration.
type Config struct {
	HTTPPort int

	ARIBaseURL string
	ARIUser    string
	ARIPass    string
	ARIApp     string
	PathPrefix string

	// Framed backend.
	FramedBase    string // control URL, e.g. http://fgw:8085
	FramedRTPHost string // host the PBX sends framed RTP to
	PortMin       int
	PortMax       int

	// Streaming backend.
	StreamBase       string // control URL, e.g. http://sgw:8086
	StreamRTPHostIn  string // "host:port" for direction in
	StreamRTPHostOut string // "host:port" for direction out

	LogLevel  string
	LogFormat string
}

// Load reads configuration from flags with environment overrides.
func Load() (*Config, error) {
	cfg := &Config{}

	flag.IntVar(&cfg.HTTPPort, "http-port", 8084, "tap control HTTP port")
	flag.StringVar(&cfg.ARIBaseURL, "ari-url", "http://127.0.0.1:8088", "PBX control base URL")
	flag.StringVar(&cfg.ARIUser, "ari-user", "", "PBX control username")
	flag.StringVar(&cfg.ARIPass, "ari-pass", "", "PBX control password")
	flag.StringVar(&cfg.ARIApp, "ari-app", "calltap", "stasis application name")
	flag.StringVar(&cfg.PathPrefix, "ari-prefix", "", "PBX control URL path prefix")
	flag.StringVar(&cfg.FramedBase, "framed-base", "http://127.0.0.1:8085", "framed gateway control URL")
	flag.StringVar(&cfg.FramedRTPHost, "framed-rtp-host", "127.0.0.1", "framed gateway RTP host")
	flag.IntVar(&cfg.PortMin, "port-min", 42000, "framed RTP port range lower bound")
	flag.IntVar(&cfg.PortMax, "port-max", 42999, "framed RTP port range upper bound")
	flag.StringVar(&cfg.StreamBase, "stream-base", "http://127.0.0.1:8086", "streaming gateway control URL")
	flag.StringVar(&cfg.StreamRTPHostIn, "stream-rtp-in", "127.0.0.1:40000", "streaming RTP host:port, direction in")
	flag.StringVar(&cfg.StreamRTPHostOut, "stream-rtp-out", "127.0.0.1:40002", "streaming RTP host:port, direction out")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level")
	flag.StringVar(&cfg.LogFormat, "logformat", "json", "log format (json or text)")
	flag.Parse()

	if v := os.Getenv("TAP_HTTP_PORT"); v != "" {
		cfg.HTTPPort, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("ARI_URL"); v != "" {
		cfg.ARIBaseURL = v
	}
	if v := os.Getenv("ARI_USER"); v != "" {
		cfg.ARIUser = v
	}
	if v := os.Getenv("ARI_PASS"); v != "" {
		cfg.ARIPass = v
	}
	if v := os.Getenv("ARI_APP"); v != "" {
		cfg.ARIApp = v
	}
	if v := os.Getenv("ARI_PREFIX"); v != "" {
		cfg.PathPrefix = v
	}
	if v := os.Getenv("FGW_BASE"); v != "" {
		cfg.FramedBase = v
	}
	if v := os.Getenv("FGW_RTP_HOST"); v != "" {
		cfg.FramedRTPHost = v
	}
	if v := os.Getenv("FGW_PORT_MIN"); v != "" {
		cfg.PortMin, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("FGW_PORT_MAX"); v != "" {
		cfg.PortMax, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("SGW_BASE"); v != "" {
		cfg.StreamBase = v
	}
	if v := os.Getenv("SGW_RTP_IN"); v != "" {
		cfg.StreamRTPHostIn = v
	}
	if v := os.Getenv("SGW_RTP_OUT"); v != "" {
		cfg.StreamRTPHostOut = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOGFORMAT"); v != "" {
		cfg.LogFormat = v
	}

	if cfg.ARIUser == "" || cfg.ARIPass == "" {
		return nil, fmt.Errorf("orchestrator: ARI_USER and ARI_PASS are required")
	}
	if cfg.PortMin <= 0 || cfg.PortMax < cfg.PortMin {
		return nil, fmt.Errorf("orchestrator: invalid port range %d-%d", cfg.PortMin, cfg.PortMax)
	}

	return cfg, nil
}
