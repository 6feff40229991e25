package audio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Speaker wraps a PortAudio interleaved output stream. Writes are buffered
// until a full period is available.
type Speaker struct {
	stream *portaudio.Stream
	buf    []int16
	n      int
}

func NewSpeaker(sampleRate, channels, framesPerBuffer int) (*Speaker, error) {
	buf := make([]int16, framesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, fmt.Errorf("open playback stream: %w", err)
	}
	return &Speaker{stream: stream, buf: buf}, nil
}

func (s *Speaker) Start() error { return s.stream.Start() }
func (s *Speaker) Stop() error  { return s.stream.Stop() }
func (s *Speaker) Close() error { return s.stream.Close() }

func (s *Speaker) Write(pcm []int16) error {
	for len(pcm) > 0 {
		copied := copy(s.buf[s.n:], pcm)
		s.n += copied
		pcm = pcm[copied:]
		if s.n < len(s.buf) {
			return nil
		}
		if err := s.stream.Write(); err != nil {
			return err
		}
		s.n = 0
	}
	return nil
}
