package livekit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/sjawhar/pepper/internal/audio"
	"github.com/sjawhar/pepper/internal/room"
)

const microphoneTrackName = "microphone"

var errNotJoined = errors.New("room not joined")

type conn struct {
	t        *Transport
	listener room.RoomListener
	log      zerolog.Logger
	room     *lksdk.Room

	mu          sync.Mutex
	joined      bool
	closing     bool
	mic         Microphone
	publisher   *audio.Publisher
	publication *lksdk.LocalTrackPublication
	speaker     Speaker
	playback    *audio.Playback

	audioStarted atomic.Bool
	drains       sync.WaitGroup
}

func newConn(t *Transport, listener room.RoomListener) *conn {
	c := &conn{t: t, listener: listener, log: t.log}
	c.room = lksdk.NewRoom(&lksdk.RoomCallback{
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			listener.ParticipantJoined(rp.Identity())
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			listener.ParticipantLeft(rp.Identity())
		},
		OnDisconnectedWithReason: func(reason lksdk.DisconnectionReason) {
			c.onDisconnected(fmt.Sprint(reason))
		},
		OnReconnecting: listener.Reconnecting,
		OnReconnected:  listener.Reconnected,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: c.onTrackSubscribed,
			OnDataPacket:      c.onDataPacket,
		},
	})
	return c
}

func (c *conn) Connect(ctx context.Context, url, token string) error {
	errc := make(chan error, 1)
	go func() {
		errc <- c.room.JoinWithToken(url, token, lksdk.WithAutoSubscribe(true))
	}()

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		go func() {
			if err := <-errc; err == nil {
				c.room.Disconnect()
			}
		}()
		return ctx.Err()
	}

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	c.log.Info().Str("room", c.room.Name()).Msg("joined room")
	return nil
}

// StartAudio opens the playback device. Without one the call continues and
// remote audio is drained unplayed.
func (c *conn) StartAudio(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speaker != nil {
		return nil
	}

	spk, err := c.t.openSpeaker()
	if err != nil {
		c.log.Warn().Err(err).Msg("no playback device, remote audio will not be heard")
		c.audioStarted.Store(true)
		return nil
	}
	dec, err := c.t.newDecoder()
	if err != nil {
		_ = spk.Close()
		return err
	}
	if err := spk.Start(); err != nil {
		_ = spk.Close()
		return fmt.Errorf("start speaker: %w", err)
	}
	c.speaker = spk
	c.playback = audio.NewPlayback(dec, spk)
	c.audioStarted.Store(true)
	return nil
}

func (c *conn) PublishMicrophone(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return errNotJoined
	}
	if c.publisher != nil {
		return nil
	}

	mic, err := c.t.openMic()
	if err != nil {
		return err
	}
	enc, err := c.t.newEncoder()
	if err != nil {
		_ = mic.Close()
		return err
	}
	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: audio.SampleRate,
		Channels:  2,
	})
	if err != nil {
		_ = mic.Close()
		return fmt.Errorf("create sample track: %w", err)
	}
	pub, err := c.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   microphoneTrackName,
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		_ = mic.Close()
		return fmt.Errorf("publish track: %w", err)
	}

	sink := audio.SampleWriterFunc(func(s media.Sample) error {
		return track.WriteSample(s, nil)
	})
	publisher := audio.NewPublisher(mic, enc, sink,
		audio.WithLevelObserver(c.listener.MicrophoneLevel),
		audio.WithPublisherLogger(c.log),
	)
	if err := publisher.Start(context.WithoutCancel(ctx)); err != nil {
		_ = c.room.LocalParticipant.UnpublishTrack(pub.SID())
		_ = mic.Close()
		return err
	}

	c.mic = mic
	c.publisher = publisher
	c.publication = pub
	return nil
}

func (c *conn) SetMicrophoneEnabled(_ context.Context, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publisher == nil {
		return errors.New("microphone not published")
	}
	c.publisher.SetMuted(!enabled)
	c.publication.SetMuted(!enabled)
	return nil
}

func (c *conn) RegisterTextStreamHandler(topic string, handler func(room.TextStream)) error {
	return c.room.RegisterTextStreamHandler(topic, func(reader *lksdk.TextStreamReader, participantIdentity string) {
		handler(newTextStream(topic, participantIdentity, reader.Info.Attributes, reader))
	})
}

func (c *conn) SendText(_ context.Context, text, topic string) error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return errNotJoined
	}
	if info := c.room.LocalParticipant.SendText(text, lksdk.StreamTextOptions{Topic: topic}); info == nil {
		return errors.New("text stream was not sent")
	}
	return nil
}

func (c *conn) LocalIdentity() string {
	return c.room.LocalParticipant.Identity()
}

// Disconnect stops the microphone, leaves the room and releases the audio
// devices. It is safe to call more than once.
func (c *conn) Disconnect(context.Context) error {
	c.mu.Lock()
	c.closing = true
	joined := c.joined
	c.joined = false
	publisher, mic := c.publisher, c.mic
	speaker := c.speaker
	c.publisher, c.mic, c.publication = nil, nil, nil
	c.speaker, c.playback = nil, nil
	c.mu.Unlock()

	var errs []error
	if publisher != nil {
		errs = append(errs, publisher.Stop())
	}
	if mic != nil {
		errs = append(errs, mic.Close())
	}
	if joined {
		c.room.Disconnect()
	}
	c.audioStarted.Store(false)
	c.drains.Wait()
	if speaker != nil {
		errs = append(errs, speaker.Stop(), speaker.Close())
	}
	return errors.Join(errs...)
}

func (c *conn) onDisconnected(reason string) {
	c.mu.Lock()
	closing := c.closing
	c.joined = false
	c.mu.Unlock()
	if closing {
		return
	}
	c.log.Info().Str("reason", reason).Msg("room disconnected")
	c.listener.Disconnected(reason)
}

func (c *conn) onTrackSubscribed(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	kind := room.TrackVideo
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = room.TrackAudio
		c.drains.Add(1)
		go func() {
			defer c.drains.Done()
			c.drain(track)
		}()
	}
	c.log.Debug().
		Str("participant", rp.Identity()).
		Str("kind", string(kind)).
		Str("codec", track.Codec().MimeType).
		Msg("track subscribed")
	c.listener.TrackSubscribed(kind, rp.Identity())
}

// drain reads the remote track until it ends, playing packets once audio
// has been started.
func (c *conn) drain(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if !c.audioStarted.Load() {
			continue
		}
		c.mu.Lock()
		playback := c.playback
		c.mu.Unlock()
		if playback == nil {
			continue
		}
		if err := playback.PlayPacket(pkt.Payload); err != nil {
			c.log.Debug().Err(err).Msg("play remote packet")
		}
	}
}

func (c *conn) onDataPacket(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
	packet, ok := data.(*lksdk.UserDataPacket)
	if !ok {
		return
	}
	c.listener.DataReceived(packet.Topic, packet.Payload, params.SenderIdentity)
}

// newTextStream reads a stream chunk by chunk and sends each accumulated
// snapshot. A snapshot is held back while it ends inside a UTF-8 sequence.
func newTextStream(topic, identity string, attrs map[string]string, r io.Reader) room.TextStream {
	updates := make(chan string, 1)
	go func() {
		defer close(updates)
		var text []byte
		sent := 0
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				text = append(text, buf[:n]...)
				if utf8.Valid(text) {
					updates <- string(text)
					sent = len(text)
				}
			}
			if err != nil {
				break
			}
		}
		if len(text) > sent {
			updates <- strings.ToValidUTF8(string(text), "\uFFFD")
		}
	}()
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	return room.TextStream{
		Topic:               topic,
		ParticipantIdentity: identity,
		Attributes:          copied,
		Updates:             updates,
	}
}
