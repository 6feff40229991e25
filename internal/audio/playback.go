package audio

import (
	"fmt"
	"sync"

	opuscodec "github.com/jj11hh/opus"
)

// Decoder turns one Opus packet into interleaved PCM and reports the
// number of samples per channel.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

type PCMWriter interface {
	Write(pcm []int16) error
}

func NewOpusDecoder() (*opuscodec.Decoder, error) {
	dec, err := opuscodec.NewDecoder(SampleRate, trackChannels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return dec, nil
}

// Playback decodes remote Opus packets into a PCM writer. Packets from
// several tracks are serialized onto the one output.
type Playback struct {
	mu  sync.Mutex
	dec Decoder
	out PCMWriter
	pcm []int16
}

func NewPlayback(dec Decoder, out PCMWriter) *Playback {
	// 120ms is the longest Opus frame.
	return &Playback{dec: dec, out: out, pcm: make([]int16, SampleRate*120/1000*trackChannels)}
}

func (p *Playback) PlayPacket(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.dec.Decode(payload, p.pcm)
	if err != nil {
		return fmt.Errorf("decode packet: %w", err)
	}
	if n <= 0 {
		return nil
	}
	return p.out.Write(p.pcm[:n*trackChannels])
}
