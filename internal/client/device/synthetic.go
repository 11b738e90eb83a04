package device

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus frame of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// vp8Blank is a tiny constant VP8 payload. Receivers only need packets to
// flow for the remote track to appear.
var vp8Blank = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00, 0x00, 0x47, 0x08, 0x85, 0x85, 0x88}

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 33 * time.Millisecond
)

// SyntheticBackend produces silent audio and blank video without touching
// any hardware. Headless agents and tests use it.
type SyntheticBackend struct {
	streamID string
}

// NewSyntheticBackend creates a synthetic backend
func NewSyntheticBackend() *SyntheticBackend {
	return &SyntheticBackend{streamID: "synthetic-" + uuid.NewString()[:8]}
}

func (b *SyntheticBackend) Name() string { return "synthetic" }

// RegisterCodecs registers pion's default codecs, which include Opus and VP8
func (b *SyntheticBackend) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// Open starts one pumping track per requested kind
func (b *SyntheticBackend) Open(ctx context.Context, audio, video bool) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var tracks []Track
	if audio {
		t, err := newSyntheticTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, "audio", b.streamID, opusSilence, audioFrame)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if video {
		t, err := newSyntheticTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", b.streamID, vp8Blank, videoFrame)
		if err != nil {
			closeAll(tracks)
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

type syntheticTrack struct {
	*webrtc.TrackLocalStaticSample
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newSyntheticTrack(c webrtc.RTPCodecCapability, kind, streamID string, frame []byte, interval time.Duration) (*syntheticTrack, error) {
	sample, err := webrtc.NewTrackLocalStaticSample(c, kind+"-"+uuid.NewString()[:8], streamID)
	if err != nil {
		return nil, err
	}

	t := &syntheticTrack{
		TrackLocalStaticSample: sample,
		stop:                   make(chan struct{}),
		done:                   make(chan struct{}),
	}
	go t.pump(frame, interval)
	return t, nil
}

func (t *syntheticTrack) pump(frame []byte, interval time.Duration) {
	defer close(t.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			// Writes before the track is bound are dropped by pion
			_ = t.WriteSample(media.Sample{Data: frame, Duration: interval})
		}
	}
}

// Close stops the pump and waits for it to exit
func (t *syntheticTrack) Close() error {
	t.once.Do(func() { close(t.stop) })
	<-t.done
	return nil
}
