package media

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/pkg/config"
	apperrors "secureconnect-calls/pkg/errors"
)

// writeIVF writes a minimal IVF file with the given fourcc and frame count
func writeIVF(t *testing.T, fourCC string, frames int) string {
	t.Helper()
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:12], fourCC)
	binary.LittleEndian.PutUint16(header[12:], 64)
	binary.LittleEndian.PutUint16(header[14:], 48)
	binary.LittleEndian.PutUint32(header[16:], 30)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(frames))

	data := header
	for i := 0; i < frames; i++ {
		frame := []byte{0x10, 0x02, 0x00, byte(i)}
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], uint32(len(frame)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		data = append(data, fh...)
		data = append(data, frame...)
	}

	path := filepath.Join(t.TempDir(), "sample.ivf")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestSource_AcquireWithoutFiles(t *testing.T) {
	source := NewSource(config.MediaConfig{})

	audioOnly, err := source.Acquire(context.Background(), domain.CallTypeAudio)
	require.NoError(t, err)
	defer audioOnly.Release()
	require.NotNil(t, audioOnly.AudioTrack())
	assert.Equal(t, "audio", audioOnly.AudioTrack().Kind())
	assert.Nil(t, audioOnly.VideoTrack())

	withVideo, err := source.Acquire(context.Background(), domain.CallTypeVideo)
	require.NoError(t, err)
	defer withVideo.Release()
	require.NotNil(t, withVideo.VideoTrack())
	assert.Equal(t, "video", withVideo.VideoTrack().Kind())
	assert.NotEqual(t, audioOnly.ID(), withVideo.ID())
}

func TestSource_MissingFile(t *testing.T) {
	source := NewSource(config.MediaConfig{
		VideoFile: filepath.Join(t.TempDir(), "missing.ivf"),
	})

	_, err := source.Acquire(context.Background(), domain.CallTypeVideo)

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeMediaUnavailable))

	// audio calls never open the video file
	stream, err := source.Acquire(context.Background(), domain.CallTypeAudio)
	require.NoError(t, err)
	stream.Release()
}

func TestSource_UnsupportedCodec(t *testing.T) {
	source := NewSource(config.MediaConfig{VideoFile: writeIVF(t, "H264", 1)})

	_, err := source.Acquire(context.Background(), domain.CallTypeVideo)

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeMediaUnavailable))
}

func TestSource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSource(config.MediaConfig{}).Acquire(ctx, domain.CallTypeAudio)

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeMediaUnavailable))
}

func TestStream_PumpsAndReleases(t *testing.T) {
	source := NewSource(config.MediaConfig{VideoFile: writeIVF(t, "VP80", 3)})

	stream, err := source.Acquire(context.Background(), domain.CallTypeVideo)
	require.NoError(t, err)

	// let the pump loop over the file at least once
	time.Sleep(150 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		stream.Release()
		stream.Release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("release did not stop the pumps")
	}
}

func TestStream_Toggles(t *testing.T) {
	stream, err := NewSource(config.MediaConfig{}).Acquire(context.Background(), domain.CallTypeVideo)
	require.NoError(t, err)
	defer stream.Release()
	s := stream.(*Stream)

	assert.True(t, s.AudioEnabled())
	s.SetAudioEnabled(false)
	assert.False(t, s.AudioEnabled())

	s.SetVideoEnabled(false)
	assert.False(t, s.VideoEnabled())
	s.SetVideoEnabled(true)
	assert.True(t, s.VideoEnabled())
}

func TestSource_Screen(t *testing.T) {
	_, _, err := NewSource(config.MediaConfig{}).AcquireScreen(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeMediaUnavailable))

	source := NewSource(config.MediaConfig{ScreenFile: writeIVF(t, "VP80", 2)})
	track, release, err := source.AcquireScreen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "video", track.Kind())
	assert.NotNil(t, track.(*Track).Local())

	release()
	release()
}
