//go:build !linux || !cgo

package device

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MediaDevicesBackend is unavailable without cgo on linux; the encoders and
// capture drivers it needs are C libraries
type MediaDevicesBackend struct{}

// NewMediaDevicesBackend reports that hardware capture is not built in
func NewMediaDevicesBackend() (*MediaDevicesBackend, error) {
	return nil, fmt.Errorf("%w: hardware capture requires a linux cgo build", ErrDeviceNotFound)
}

func (b *MediaDevicesBackend) Name() string { return "mediadevices" }

func (b *MediaDevicesBackend) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (b *MediaDevicesBackend) Open(ctx context.Context, audio, video bool) ([]Track, error) {
	return nil, ErrDeviceNotFound
}
