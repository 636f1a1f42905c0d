// Package streamgw implements the multi-session streaming gateway: RTP
// intake on two fixed direction-coded UDP ports, one upstream speech
// WebSocket per SSRC, transcript pub/sub towards browser widgets, and the
// optional generative assistant sampler.
package streamgw

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Direction tags which side of the call an RTP port carries.
type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
)

// RoleMode selects how directions map to caller/agent speakers.
type RoleMode string

const (
	// RoleCallerIn means the "in" port carries the caller's audio.
	RoleCallerIn RoleMode = "caller-in"

	// RoleAgentIn inverts the mapping.
	RoleAgentIn RoleMode = "agent-in"
)

// AssistantConfig configures the optional generative assistant.
type AssistantConfig struct {
	Enabled     bool
	Engine      string
	URL         string
	AuthHeader  string
	SpeakerName string
	Interval    time.Duration
	TailChars   int
	MinChars    int
}

// Config holds the streaming gateway configuration.
type Config struct {
	HTTPPort   int
	RTPBind    string
	RTPPortIn  int
	RTPPortOut int

	SpeechURL      string
	SpeechKey      string
	Language       string
	InterimResults bool
	Punctuate      bool
	SmartFormat    bool
	Diarize        bool

	ByteSwap    bool
	MaxSessions int
	RoleMode    RoleMode
	DumpDir     string

	PendingTTL        time.Duration
	BootFrameCap      int
	WatchdogInterval  time.Duration
	InactivityTimeout time.Duration

	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter time.Duration

	Assistant AssistantConfig

	LogLevel  string
	LogFormat string
}

// Load reads configuration from flags with environment overrides. It
// returns an error when a required value is missing.
func Load() (*Config, error) {
	cfg := &Config{}

	flag.IntVar(&cfg.HTTPPort, "http-port", 8086, "widget/control HTTP port")
	flag.StringVar(&cfg.RTPBind, "rtp-bind", "0.0.0.0", "RTP bind address")
	flag.IntVar(&cfg.RTPPortIn, "rtp-port-in", 40000, "RTP port for direction in")
	flag.IntVar(&cfg.RTPPortOut, "rtp-port-out", 40002, "RTP port for direction out")
	flag.StringVar(&cfg.SpeechURL, "speech-url", "wss://api.deepgram.com/v1/listen", "speech streaming endpoint")
	flag.StringVar(&cfg.SpeechKey, "speech-key", "", "speech endpoint credential")
	flag.StringVar(&cfg.Language, "language", "en", "recognition language")
	flag.BoolVar(&cfg.InterimResults, "interim-results", true, "request interim results")
	flag.BoolVar(&cfg.Punctuate, "punctuate", true, "request punctuation")
	flag.BoolVar(&cfg.SmartFormat, "smart-format", true, "request smart formatting")
	flag.BoolVar(&cfg.Diarize, "diarize", false, "request diarization")
	flag.BoolVar(&cfg.ByteSwap, "byte-swap", false, "swap PCM sample bytes before streaming")
	flag.IntVar(&cfg.MaxSessions, "max-sessions", 64, "concurrent streaming session cap")
	flag.StringVar((*string)(&cfg.RoleMode), "role-mode", string(RoleCallerIn), "speaker role mode (caller-in or agent-in)")
	flag.StringVar(&cfg.DumpDir, "dump-dir", "", "directory for diagnostic WAV dumps (empty disables)")
	flag.BoolVar(&cfg.Assistant.Enabled, "assistant", false, "enable the generative assistant")
	flag.StringVar(&cfg.Assistant.Engine, "assistant-engine", "", "assistant engine label")
	flag.StringVar(&cfg.Assistant.URL, "assistant-url", "", "assistant endpoint URL")
	flag.StringVar(&cfg.Assistant.AuthHeader, "assistant-auth", "", "assistant Authorization header value")
	flag.StringVar(&cfg.Assistant.SpeakerName, "assistant-speaker", "Assistant", "speaker name for assist events")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level")
	flag.StringVar(&cfg.LogFormat, "logformat", "json", "log format (json or text)")
	assistantInterval := flag.Int("assistant-interval", 10, "assistant sampling interval seconds")
	assistantTail := flag.Int("assistant-tail-chars", 4000, "assistant trailing character window")
	assistantMin := flag.Int("assistant-min-chars", 120, "assistant minimum character threshold")
	flag.Parse()

	cfg.PendingTTL = 4 * time.Second
	cfg.BootFrameCap = 50
	cfg.WatchdogInterval = 2 * time.Second
	cfg.InactivityTimeout = 8 * time.Second
	cfg.ReconnectBase = 500 * time.Millisecond
	cfg.ReconnectMax = 8 * time.Second
	cfg.ReconnectJitter = 200 * time.Millisecond

	if v := os.Getenv("SGW_HTTP_PORT"); v != "" {
		cfg.HTTPPort, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("SGW_RTP_BIND"); v != "" {
		cfg.RTPBind = v
	}
	if v := os.Getenv("SGW_RTP_PORT_IN"); v != "" {
		cfg.RTPPortIn, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("SGW_RTP_PORT_OUT"); v != "" {
		cfg.RTPPortOut, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("SPEECH_URL"); v != "" {
		cfg.SpeechURL = v
	}
	if v := os.Getenv("SPEECH_KEY"); v != "" {
		cfg.SpeechKey = v
	}
	if v := os.Getenv("SPEECH_LANGUAGE"); v != "" {
		cfg.Language = v
	}
	if v := os.Getenv("SGW_BYTE_SWAP"); v != "" {
		cfg.ByteSwap = v == "1" || v == "true"
	}
	if v := os.Getenv("SGW_MAX_SESSIONS"); v != "" {
		cfg.MaxSessions, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("SGW_ROLE_MODE"); v != "" {
		cfg.RoleMode = RoleMode(v)
	}
	if v := os.Getenv("SGW_DUMP_DIR"); v != "" {
		cfg.DumpDir = v
	}
	if v := os.Getenv("ASSISTANT_ENABLED"); v != "" {
		cfg.Assistant.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("ASSISTANT_ENGINE"); v != "" {
		cfg.Assistant.Engine = v
	}
	if v := os.Getenv("ASSISTANT_URL"); v != "" {
		cfg.Assistant.URL = v
	}
	if v := os.Getenv("ASSISTANT_AUTH"); v != "" {
		cfg.Assistant.AuthHeader = v
	}
	if v := os.Getenv("ASSISTANT_SPEAKER"); v != "" {
		cfg.Assistant.SpeakerName = v
	}
	if v := os.Getenv("ASSISTANT_INTERVAL"); v != "" {
		*assistantInterval, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("ASSISTANT_TAIL_CHARS"); v != "" {
		*assistantTail, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("ASSISTANT_MIN_CHARS"); v != "" {
		*assistantMin, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOGFORMAT"); v != "" {
		cfg.LogFormat = v
	}

	cfg.Assistant.Interval = time.Duration(*assistantInterval) * time.Second
	cfg.Assistant.TailChars = *assistantTail
	cfg.Assistant.MinChars = *assistantMin

	if cfg.SpeechKey == "" {
		return nil, fmt.Errorf("streamgw: SPEECH_KEY is required")
	}
	if cfg.RoleMode != RoleCallerIn && cfg.RoleMode != RoleAgentIn {
		return nil, fmt.Errorf("streamgw: invalid role mode %q", cfg.RoleMode)
	}
	if cfg.Assistant.Enabled && cfg.Assistant.URL == "" {
		return nil, fmt.Errorf("streamgw: ASSISTANT_URL is required when the assistant is enabled")
	}

	return cfg, nil
}
