// Package media captures local audio and video for call sessions.
//
// Tracks are pion sample tracks fed from IVF (video) and Ogg/Opus (audio)
// files, looping at end of file. A source without files produces silent
// tracks that still negotiate, which is how headless participants run.
package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/service/call"
	"secureconnect-calls/pkg/config"
	apperrors "secureconnect-calls/pkg/errors"
	"secureconnect-calls/pkg/logger"
)

// Source implements call.MediaSource
type Source struct {
	cfg config.MediaConfig
}

// NewSource creates a capture source from config
func NewSource(cfg config.MediaConfig) *Source {
	return &Source{cfg: cfg}
}

// Acquire opens the audio source and, for video calls, the camera source
func (s *Source) Acquire(ctx context.Context, callType domain.CallType) (call.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.MediaUnavailableError(err)
	}

	streamID := "local-" + uuid.NewString()
	stream := &Stream{id: streamID}
	stream.audioOn.Store(true)
	stream.videoOn.Store(true)

	var audioReader sampleReader
	if s.cfg.AudioFile != "" {
		r, err := openOgg(s.cfg.AudioFile)
		if err != nil {
			return nil, apperrors.MediaUnavailableError(err)
		}
		audioReader = r
	}
	audio, err := newTrack(opusCodec(), "audio-"+uuid.NewString(), streamID)
	if err != nil {
		closeReader(audioReader)
		return nil, apperrors.MediaUnavailableError(err)
	}
	stream.audio = audio

	var videoReader sampleReader
	if callType == domain.CallTypeVideo {
		codec := vp8Codec()
		if s.cfg.VideoFile != "" {
			r, c, err := openIVF(s.cfg.VideoFile)
			if err != nil {
				closeReader(audioReader)
				return nil, apperrors.MediaUnavailableError(err)
			}
			videoReader, codec = r, c
		}
		video, err := newTrack(codec, "video-"+uuid.NewString(), streamID)
		if err != nil {
			closeReader(audioReader)
			closeReader(videoReader)
			return nil, apperrors.MediaUnavailableError(err)
		}
		stream.video = video
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	stream.cancel = cancel
	if audioReader != nil {
		path := s.cfg.AudioFile
		stream.start(pumpCtx, audio, audioReader, func() (sampleReader, error) { return openOgg(path) }, &stream.audioOn)
	}
	if videoReader != nil {
		path := s.cfg.VideoFile
		stream.start(pumpCtx, stream.video, videoReader, func() (sampleReader, error) {
			r, _, err := openIVF(path)
			return r, err
		}, &stream.videoOn)
	}

	logger.Info("Local media acquired",
		zap.String("stream_id", streamID),
		zap.String("call_type", string(callType)),
		zap.Bool("audio_file", audioReader != nil),
		zap.Bool("video_file", videoReader != nil))
	return stream, nil
}

// AcquireScreen starts the screen source. It fails when no screen source is configured.
func (s *Source) AcquireScreen(ctx context.Context) (call.Track, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, apperrors.MediaUnavailableError(err)
	}
	if s.cfg.ScreenFile == "" {
		return nil, nil, apperrors.MediaUnavailableError(errors.New("no screen source configured"))
	}

	reader, codec, err := openIVF(s.cfg.ScreenFile)
	if err != nil {
		return nil, nil, apperrors.MediaUnavailableError(err)
	}
	track, err := newTrack(codec, "screen-"+uuid.NewString(), "screen")
	if err != nil {
		_ = reader.Close()
		return nil, nil, apperrors.MediaUnavailableError(err)
	}

	screen := &Stream{id: "screen"}
	screen.videoOn.Store(true)
	pumpCtx, cancel := context.WithCancel(context.Background())
	screen.cancel = cancel
	path := s.cfg.ScreenFile
	screen.start(pumpCtx, track, reader, func() (sampleReader, error) {
		r, _, err := openIVF(path)
		return r, err
	}, &screen.videoOn)

	return track, screen.Release, nil
}

// Stream implements call.LocalStream
type Stream struct {
	id    string
	audio *Track
	video *Track

	audioOn atomic.Bool
	videoOn atomic.Bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	release sync.Once
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) AudioTrack() call.Track {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

func (s *Stream) VideoTrack() call.Track {
	if s.video == nil {
		return nil
	}
	return s.video
}

// SetAudioEnabled stops writing audio samples while disabled
func (s *Stream) SetAudioEnabled(enabled bool) {
	s.audioOn.Store(enabled)
}

// SetVideoEnabled stops writing video samples while disabled
func (s *Stream) SetVideoEnabled(enabled bool) {
	s.videoOn.Store(enabled)
}

func (s *Stream) AudioEnabled() bool { return s.audioOn.Load() }

func (s *Stream) VideoEnabled() bool { return s.videoOn.Load() }

// Release stops every pump and waits for them to exit
func (s *Stream) Release() {
	s.release.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		logger.Debug("Local media released", zap.String("stream_id", s.id))
	})
}

func (s *Stream) start(ctx context.Context, track *Track, first sampleReader, reopen func() (sampleReader, error), enabled *atomic.Bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pump(ctx, track, first, reopen, enabled)
	}()
}

// pump paces samples onto track, reopening the file at EOF
func pump(ctx context.Context, track *Track, reader sampleReader, reopen func() (sampleReader, error), enabled *atomic.Bool) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	defer func() { closeReader(reader) }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		data, duration, err := reader.next()
		if errors.Is(err, io.EOF) {
			closeReader(reader)
			reader, err = reopen()
			if err != nil {
				logger.Warn("Media source could not be reopened", zap.String("track_id", track.ID()), zap.Error(err))
				reader = nil
				return
			}
			timer.Reset(0)
			continue
		}
		if err != nil {
			logger.Warn("Media source read failed", zap.String("track_id", track.ID()), zap.Error(err))
			return
		}

		if enabled.Load() && len(data) > 0 {
			if err := track.local.WriteSample(pionmedia.Sample{Data: data, Duration: duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				logger.Debug("Write sample failed", zap.String("track_id", track.ID()), zap.Error(err))
			}
		}
		timer.Reset(duration)
	}
}

func closeReader(r sampleReader) {
	if r != nil {
		_ = r.Close()
	}
}
