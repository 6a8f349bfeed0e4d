package media

import (
	"fmt"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const opusClockRate = 48000

// sampleReader yields encoded frames with their play-out duration
type sampleReader interface {
	next() ([]byte, time.Duration, error)
	Close() error
}

type ivfFile struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	interval time.Duration
}

func openIVF(path string) (*ivfFile, webrtc.RTPCodecCapability, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, webrtc.RTPCodecCapability{}, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, webrtc.RTPCodecCapability{}, fmt.Errorf("failed to parse ivf header: %w", err)
	}

	codec, err := ivfCodec(header.FourCC)
	if err != nil {
		_ = f.Close()
		return nil, webrtc.RTPCodecCapability{}, err
	}

	interval := 33 * time.Millisecond
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		interval = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	return &ivfFile{file: f, reader: reader, interval: interval}, codec, nil
}

func ivfCodec(fourCC string) (webrtc.RTPCodecCapability, error) {
	switch fourCC {
	case "VP80":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	case "VP90":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}, nil
	case "AV01":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeAV1, ClockRate: 90000}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported ivf codec %q", fourCC)
	}
}

func (r *ivfFile) next() ([]byte, time.Duration, error) {
	frame, _, err := r.reader.ParseNextFrame()
	if err != nil {
		return nil, 0, err
	}
	return frame, r.interval, nil
}

func (r *ivfFile) Close() error {
	return r.file.Close()
}

type oggFile struct {
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func openOgg(path string) (*oggFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to parse ogg header: %w", err)
	}
	return &oggFile{file: f, reader: reader}, nil
}

func (r *oggFile) next() ([]byte, time.Duration, error) {
	page, header, err := r.reader.ParseNextPage()
	if err != nil {
		return nil, 0, err
	}
	var duration time.Duration
	if header.GranulePosition > r.lastGranule {
		samples := header.GranulePosition - r.lastGranule
		duration = time.Duration(samples) * time.Second / opusClockRate
	}
	r.lastGranule = header.GranulePosition
	return page, duration, nil
}

func (r *oggFile) Close() error {
	return r.file.Close()
}

func opusCodec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2}
}

func vp8Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}
