// Package device acquires local microphone and camera tracks. Every call
// starts with RequestPermissions, which opens a trial stream and releases it
// at once, so no call is placed without a consented device.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callsignal/pkg/logger"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrDeviceOther      = errors.New("media device error")
)

// Track is a local media track that must be closed when the call ends
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Backend opens capture devices
type Backend interface {
	Name() string
	// RegisterCodecs adds the codecs the backend's tracks produce
	RegisterCodecs(m *webrtc.MediaEngine) error
	Open(ctx context.Context, audio, video bool) ([]Track, error)
}

// Manager is the single entry point for media acquisition
type Manager struct {
	backend Backend
	log     *zap.Logger
}

// NewManager creates a manager over backend
func NewManager(backend Backend) *Manager {
	return &Manager{
		backend: backend,
		log:     logger.Named("device").With(zap.String("backend", backend.Name())),
	}
}

// RegisterCodecs registers the backend's codecs on m
func (m *Manager) RegisterCodecs(me *webrtc.MediaEngine) error {
	return m.backend.RegisterCodecs(me)
}

// RequestPermissions opens a trial stream to force the permission prompt and
// stops every track before returning. It returns ErrPermissionDenied,
// ErrDeviceNotFound or ErrDeviceOther.
func (m *Manager) RequestPermissions(ctx context.Context, needVideo bool) error {
	tracks, err := m.backend.Open(ctx, true, needVideo)
	if err != nil {
		err = classify(err)
		m.log.Warn("Media permission check failed", zap.Bool("video", needVideo), zap.Error(err))
		return err
	}
	closeAll(tracks)
	return nil
}

// Acquire opens microphone and, when needVideo is set, camera tracks
func (m *Manager) Acquire(ctx context.Context, needVideo bool) (*LocalMedia, error) {
	tracks, err := m.backend.Open(ctx, true, needVideo)
	if err != nil {
		return nil, classify(err)
	}
	m.log.Debug("Local media acquired", zap.Int("tracks", len(tracks)), zap.Bool("video", needVideo))
	return &LocalMedia{tracks: tracks}, nil
}

// AcquireVideo opens a camera track only, for upgrading a voice call
func (m *Manager) AcquireVideo(ctx context.Context) (*LocalMedia, error) {
	tracks, err := m.backend.Open(ctx, false, true)
	if err != nil {
		return nil, classify(err)
	}
	return &LocalMedia{tracks: tracks}, nil
}

// LocalMedia owns a set of local tracks. Stop is idempotent.
type LocalMedia struct {
	mu      sync.Mutex
	tracks  []Track
	stopped bool
}

// Tracks returns the tracks still owned
func (l *LocalMedia) Tracks() []webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]webrtc.TrackLocal, 0, len(l.tracks))
	for _, t := range l.tracks {
		out = append(out, t)
	}
	return out
}

// HasVideo reports whether any owned track is video
func (l *LocalMedia) HasVideo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range l.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

// Merge takes ownership of other's tracks. Merging into stopped media stops
// the incoming tracks.
func (l *LocalMedia) Merge(other *LocalMedia) {
	other.mu.Lock()
	tracks := other.tracks
	other.tracks = nil
	other.stopped = true
	other.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		closeAll(tracks)
		return
	}
	l.tracks = append(l.tracks, tracks...)
}

// Stop closes every track
func (l *LocalMedia) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.stopped = true
	closeAll(l.tracks)
	l.tracks = nil
}

func closeAll(tracks []Track) {
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			logger.Debug("Failed to close local track", zap.String("track_id", t.ID()), zap.Error(err))
		}
	}
}

// classify maps backend failures onto the three permission errors
func classify(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrDeviceOther):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrDeviceOther, err)
	}
}
