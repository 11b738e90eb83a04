package device

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingBackend struct {
	err error
}

func (b failingBackend) Name() string                               { return "failing" }
func (b failingBackend) RegisterCodecs(m *webrtc.MediaEngine) error { return nil }
func (b failingBackend) Open(ctx context.Context, audio, video bool) ([]Track, error) {
	return nil, b.err
}

type countingTrack struct {
	Track
	closed *int32
}

func (t countingTrack) Close() error {
	atomic.AddInt32(t.closed, 1)
	return t.Track.Close()
}

type countingBackend struct {
	*SyntheticBackend
	opened int32
	closed int32
}

func (b *countingBackend) Open(ctx context.Context, audio, video bool) ([]Track, error) {
	tracks, err := b.SyntheticBackend.Open(ctx, audio, video)
	if err != nil {
		return nil, err
	}
	atomic.AddInt32(&b.opened, int32(len(tracks)))
	out := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, countingTrack{Track: t, closed: &b.closed})
	}
	return out, nil
}

func TestRequestPermissions_ReleasesTrialTracks(t *testing.T) {
	backend := &countingBackend{SyntheticBackend: NewSyntheticBackend()}
	m := NewManager(backend)

	require.NoError(t, m.RequestPermissions(context.Background(), true))
	assert.Equal(t, int32(2), atomic.LoadInt32(&backend.opened))
	assert.Equal(t, int32(2), atomic.LoadInt32(&backend.closed))
}

func TestRequestPermissions_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"denied", ErrPermissionDenied, ErrPermissionDenied},
		{"missing", ErrDeviceNotFound, ErrDeviceNotFound},
		{"anything else", errors.New("driver exploded"), ErrDeviceOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(failingBackend{err: tt.err})
			assert.ErrorIs(t, m.RequestPermissions(context.Background(), false), tt.want)

			_, err := m.Acquire(context.Background(), false)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLocalMedia_MergeAndStop(t *testing.T) {
	backend := &countingBackend{SyntheticBackend: NewSyntheticBackend()}
	m := NewManager(backend)
	ctx := context.Background()

	media, err := m.Acquire(ctx, false)
	require.NoError(t, err)
	assert.Len(t, media.Tracks(), 1)
	assert.False(t, media.HasVideo())

	video, err := m.AcquireVideo(ctx)
	require.NoError(t, err)
	media.Merge(video)
	assert.Len(t, media.Tracks(), 2)
	assert.True(t, media.HasVideo())
	assert.Empty(t, video.Tracks())

	media.Stop()
	media.Stop()
	assert.Equal(t, int32(2), atomic.LoadInt32(&backend.closed), "each track closes exactly once")
	assert.Empty(t, media.Tracks())

	late, err := m.AcquireVideo(ctx)
	require.NoError(t, err)
	media.Merge(late)
	assert.Equal(t, int32(3), atomic.LoadInt32(&backend.closed), "merging into stopped media stops the newcomer")
}

func TestSyntheticBackend_TrackKinds(t *testing.T) {
	tracks, err := NewSyntheticBackend().Open(context.Background(), true, true)
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[1].Kind())
	assert.Equal(t, tracks[0].StreamID(), tracks[1].StreamID())
	for _, tr := range tracks {
		require.NoError(t, tr.Close())
		require.NoError(t, tr.Close())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSyntheticBackend().Open(ctx, true, false)
	assert.ErrorIs(t, err, context.Canceled)
}
