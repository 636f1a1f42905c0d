// Package wavdump writes the first seconds of a session's PCM to disk as a
// WAV file. Purely diagnostic: failures never affect the owning session.
package wavdump

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// maxBytes caps the dump at roughly five seconds of 16 kHz mono 16-bit PCM.
const maxBytes = 16000 * 2 * 5

// Dump accumulates little-endian PCM16 and finalises the WAV header when
// the cap is reached or the dump is closed.
type Dump struct {
	mu      sync.Mutex
	f       *os.File
	enc     *wav.Encoder
	written int
	closed  bool
}

// New creates a dump file named <name>.wav under dir.
func New(dir, name string) (*Dump, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wavdump: mkdir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, name+".wav"))
	if err != nil {
		return nil, fmt.Errorf("wavdump: create: %w", err)
	}
	return &Dump{
		f:   f,
		enc: wav.NewEncoder(f, 16000, 16, 1, 1),
	}, nil
}

// Write appends PCM bytes up to the cap. Safe for concurrent use.
func (d *Dump) Write(pcm []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	if remaining := maxBytes - d.written; len(pcm) > remaining {
		pcm = pcm[:remaining]
	}
	if len(pcm) < 2 {
		d.closeLocked()
		return
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := d.enc.Write(buf); err != nil {
		d.closeLocked()
		return
	}
	d.written += len(pcm)
	if d.written >= maxBytes {
		d.closeLocked()
	}
}

// Close finalises the WAV header. Safe to call multiple times.
func (d *Dump) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

func (d *Dump) closeLocked() {
	if d.closed {
		return
	}
	d.closed = true
	_ = d.enc.Close()
	_ = d.f.Close()
}
