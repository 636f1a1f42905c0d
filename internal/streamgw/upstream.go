package streamgw

import (
	"encoding/json"
	"net/url"
	"strconv"
)

// wordEntry is the per-word timing detail forwarded to widgets.
type wordEntry struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// speechResponse is the JSON shape of upstream "Results" messages.
type speechResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string      `json:"transcript"`
			Words      []wordEntry `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// transcriptResult is one usable transcript extracted from an upstream
// message.
type transcriptResult struct {
	Text    string
	IsFinal bool
	Words   []wordEntry
}

// listenURL builds the upstream streaming endpoint URL with the fixed
// audio parameters and the configured feature toggles.
func listenURL(cfg *Config) (string, error) {
	u, err := url.Parse(cfg.SpeechURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	q.Set("language", cfg.Language)
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("diarize", strconv.FormatBool(cfg.Diarize))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// parseTranscript extracts a forwardable transcript from a raw upstream
// message. Only "Results" messages with at least one alternative and a
// non-empty transcript qualify.
func parseTranscript(data []byte) (transcriptResult, bool) {
	var resp speechResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return transcriptResult{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return transcriptResult{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return transcriptResult{}, false
	}
	return transcriptResult{
		Text:    alt.Transcript,
		IsFinal: resp.IsFinal,
		Words:   alt.Words,
	}, true
}
