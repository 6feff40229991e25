// Package audio captures microphone PCM, encodes it to Opus and hands the
// packets to an outgoing WebRTC track.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	opuscodec "github.com/jj11hh/opus"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

const (
	SampleRate    = 48000
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = SampleRate / 1000 * int(FrameDuration/time.Millisecond)

	trackChannels = 2
	maxOpusPacket = 1275
	levelEveryNth = 5
)

type FrameSource interface {
	Start() error
	Stop() error
	Read() ([]int16, error)
}

type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// SampleWriter accepts encoded media samples, typically a local track.
type SampleWriter interface {
	WriteSample(sample media.Sample) error
}

type SampleWriterFunc func(media.Sample) error

func (f SampleWriterFunc) WriteSample(s media.Sample) error { return f(s) }

// NewOpusEncoder builds a VoIP Opus encoder matching the stereo track.
func NewOpusEncoder() (*opuscodec.Encoder, error) {
	enc, err := opuscodec.NewEncoder(SampleRate, trackChannels, opuscodec.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return enc, nil
}

// Publisher pumps frames from a FrameSource through an Encoder into a
// SampleWriter until stopped.
type Publisher struct {
	source  FrameSource
	encoder Encoder
	sink    SampleWriter
	onLevel func(float64)
	log     zerolog.Logger

	muted atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	started bool
}

type PublisherOption func(*Publisher)

// WithLevelObserver reports the RMS of every few frames. Muted frames
// report zero.
func WithLevelObserver(fn func(float64)) PublisherOption {
	return func(p *Publisher) { p.onLevel = fn }
}

func WithPublisherLogger(l zerolog.Logger) PublisherOption {
	return func(p *Publisher) { p.log = l }
}

func NewPublisher(source FrameSource, encoder Encoder, sink SampleWriter, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		source:  source,
		encoder: encoder,
		sink:    sink,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetMuted stops sending audio without closing the capture stream.
func (p *Publisher) SetMuted(muted bool) {
	p.muted.Store(muted)
}

func (p *Publisher) Muted() bool {
	return p.muted.Load()
}

func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("publisher already started")
	}
	if err := p.source.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	go func() {
		defer close(p.done)
		err := p.run(ctx)
		p.mu.Lock()
		p.runErr = err
		p.mu.Unlock()
		if err != nil {
			p.log.Warn().Err(err).Msg("microphone publisher stopped")
		}
	}()
	return nil
}

// Stop halts capture and waits for the pump to exit. It is safe to call
// more than once.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	stopErr := p.source.Stop()
	<-done

	if stopErr != nil {
		return fmt.Errorf("stop capture: %w", stopErr)
	}
	return nil
}

// Err returns the error that ended the last run, if any.
func (p *Publisher) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runErr
}

func (p *Publisher) run(ctx context.Context) error {
	packet := make([]byte, maxOpusPacket)
	stereo := make([]int16, 0, FrameSamples*trackChannels)
	frames := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := p.source.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		muted := p.muted.Load()
		frames++
		if p.onLevel != nil && frames%levelEveryNth == 0 {
			level := 0.0
			if !muted {
				level = RMS(frame)
			}
			p.onLevel(level)
		}
		if muted {
			continue
		}

		stereo = stereo[:0]
		for _, s := range frame {
			stereo = append(stereo, s, s)
		}

		n, err := p.encoder.Encode(stereo, packet)
		if err != nil {
			return fmt.Errorf("opus encode: %w", err)
		}

		sample := media.Sample{
			Data:     append([]byte(nil), packet[:n]...),
			Duration: time.Duration(len(frame)) * time.Second / SampleRate,
		}
		if err := p.sink.WriteSample(sample); err != nil {
			p.log.Debug().Err(err).Msg("write sample")
		}
	}
}
