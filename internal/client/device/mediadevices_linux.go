//go:build linux && cgo

package device

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// MediaDevicesBackend captures from the real camera (V4L2) and microphone
// (malgo) and encodes VP8 and Opus
type MediaDevicesBackend struct {
	selector *mediadevices.CodecSelector
}

// NewMediaDevicesBackend creates the hardware capture backend
func NewMediaDevicesBackend() (*MediaDevicesBackend, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to configure vp8: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to configure opus: %w", err)
	}

	return &MediaDevicesBackend{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (b *MediaDevicesBackend) Name() string { return "mediadevices" }

// RegisterCodecs registers exactly the encoders the selector can produce
func (b *MediaDevicesBackend) RegisterCodecs(m *webrtc.MediaEngine) error {
	b.selector.Populate(m)
	return nil
}

// Open calls GetUserMedia for the requested kinds
func (b *MediaDevicesBackend) Open(ctx context.Context, audio, video bool) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: b.selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras produce frames that poison the encoder
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classifyCapture(err)
	}

	mediaTracks := stream.GetTracks()
	tracks := make([]Track, 0, len(mediaTracks))
	for _, t := range mediaTracks {
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func classifyCapture(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case len(mediadevices.EnumerateDevices()) == 0,
		strings.Contains(err.Error(), "failed to find"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceOther, err)
	}
}
