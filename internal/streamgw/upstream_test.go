package streamgw

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenURL(t *testing.T) {
	cfg := &Config{
		SpeechURL:      "wss://api.deepgram.com/v1/listen",
		Language:       "es",
		InterimResults: true,
		Punctuate:      true,
		SmartFormat:    false,
		Diarize:        false,
	}

	raw, err := listenURL(cfg)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "linear16", q.Get("encoding"))
	assert.Equal(t, "16000", q.Get("sample_rate"))
	assert.Equal(t, "es", q.Get("language"))
	assert.Equal(t, "true", q.Get("interim_results"))
	assert.Equal(t, "false", q.Get("smart_format"))
}

func TestParseTranscript(t *testing.T) {
	good := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {"alternatives": [{"transcript": "hola mundo",
			"words": [{"word":"hola","start":0.1,"end":0.4,"confidence":0.98}]}]}
	}`)

	res, ok := parseTranscript(good)
	require.True(t, ok)
	assert.Equal(t, "hola mundo", res.Text)
	assert.True(t, res.IsFinal)
	require.Len(t, res.Words, 1)
	assert.Equal(t, "hola", res.Words[0].Word)
}

func TestParseTranscriptFilters(t *testing.T) {
	cases := map[string][]byte{
		"wrong type":       []byte(`{"type":"Metadata"}`),
		"no alternatives":  []byte(`{"type":"Results","channel":{"alternatives":[]}}`),
		"empty transcript": []byte(`{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`),
		"not json":         []byte(`nope`),
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := parseTranscript(data)
			assert.False(t, ok)
		})
	}
}
