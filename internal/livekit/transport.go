// Package livekit binds the room controller to the LiveKit Go SDK.
package livekit

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sjawhar/pepper/internal/audio"
	"github.com/sjawhar/pepper/internal/room"
)

// Microphone is a started-on-demand PCM capture device.
type Microphone interface {
	audio.FrameSource
	Close() error
}

// MicrophoneFactory opens the capture device for one call.
type MicrophoneFactory func() (Microphone, error)

// Speaker plays decoded remote audio.
type Speaker interface {
	audio.PCMWriter
	Start() error
	Stop() error
	Close() error
}

type SpeakerFactory func() (Speaker, error)

// Transport creates LiveKit rooms.
type Transport struct {
	log         zerolog.Logger
	openMic     MicrophoneFactory
	openSpeaker SpeakerFactory
	newEncoder  func() (audio.Encoder, error)
	newDecoder  func() (audio.Decoder, error)
}

type Option func(*Transport)

func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

func WithMicrophone(f MicrophoneFactory) Option {
	return func(t *Transport) { t.openMic = f }
}

func WithSpeaker(f SpeakerFactory) Option {
	return func(t *Transport) { t.openSpeaker = f }
}

func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		log:         zerolog.Nop(),
		openMic:     openPortAudioMic,
		openSpeaker: openPortAudioSpeaker,
		newEncoder: func() (audio.Encoder, error) {
			return audio.NewOpusEncoder()
		},
		newDecoder: func() (audio.Decoder, error) {
			return audio.NewOpusDecoder()
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) NewRoom(opts room.RoomOptions, listener room.RoomListener) (room.Conn, error) {
	if listener == nil {
		return nil, fmt.Errorf("room listener is required")
	}
	// The Go SDK has no adaptive stream or dynacast switches; both only
	// shape subscriptions in browser clients.
	t.log.Debug().
		Bool("adaptive_stream", opts.AdaptiveStream).
		Bool("dynacast", opts.Dynacast).
		Msg("create room")
	return newConn(t, listener), nil
}

type portAudioMic struct {
	*audio.Mic
}

func (m portAudioMic) Close() error {
	err := m.Mic.Close()
	if terr := audio.Terminate(); err == nil {
		err = terr
	}
	return err
}

func openPortAudioMic() (Microphone, error) {
	if err := audio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	mic, err := audio.NewMic(audio.SampleRate, audio.FrameSamples)
	if err != nil {
		_ = audio.Terminate()
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	return portAudioMic{Mic: mic}, nil
}

type portAudioSpeaker struct {
	*audio.Speaker
}

func (s portAudioSpeaker) Close() error {
	err := s.Speaker.Close()
	if terr := audio.Terminate(); err == nil {
		err = terr
	}
	return err
}

func openPortAudioSpeaker() (Speaker, error) {
	if err := audio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	spk, err := audio.NewSpeaker(audio.SampleRate, 2, audio.FrameSamples)
	if err != nil {
		_ = audio.Terminate()
		return nil, fmt.Errorf("open speaker: %w", err)
	}
	return portAudioSpeaker{Speaker: spk}, nil
}
