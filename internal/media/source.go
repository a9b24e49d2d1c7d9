// Package media provides the local tracks a call sends and records the remote
// tracks it receives. Encoding is out of scope: sources replay pre-encoded
// IVF (VP8) and Ogg (Opus) files, or a synthetic placeholder.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// ErrNoMedia reports that no local media could be acquired.
var ErrNoMedia = errors.New("no local media available")

const (
	oggPageDuration        = 20 * time.Millisecond
	opusSampleRate         = 48000
	syntheticVideoInterval = 33 * time.Millisecond
	syntheticAudioInterval = 20 * time.Millisecond
)

var (
	// A VP8 keyframe tag followed by the start code; decoders reject it but
	// it keeps RTP flowing so connectivity and track events can be observed.
	syntheticVP8Frame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
	// One 20ms Opus silence frame.
	opusSilenceFrame = []byte{0xf8, 0xff, 0xfe}
	opusTagsMagic    = []byte("OpusTags")
)

type SourceOptions struct {
	// StreamID groups the tracks on the remote side. Defaults to a random id.
	StreamID string
	// VideoFile is an IVF file with VP8, VP9 or AV1 frames.
	VideoFile string
	// AudioFile is an Ogg file with Opus pages.
	AudioFile string
	// Synthetic adds placeholder VP8 video and Opus silence for kinds that
	// have no file.
	Synthetic bool
	// Loop restarts files from the beginning when they end.
	Loop   bool
	Logger *slog.Logger
}

// Source is a set of local tracks fed from files or synthetic samples.
type Source struct {
	streamID string
	log      *slog.Logger
	loop     bool

	video     *webrtc.TrackLocalStaticSample
	videoFile string
	audio     *webrtc.TrackLocalStaticSample
	audioFile string

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// sampleWriter is the part of a local track a player feeds.
type sampleWriter interface {
	WriteSample(media.Sample) error
}

// Open acquires local media. It fails with ErrNoMedia when nothing is
// configured or a file cannot be read.
func Open(opts SourceOptions) (*Source, error) {
	if opts.VideoFile == "" && opts.AudioFile == "" && !opts.Synthetic {
		return nil, ErrNoMedia
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	streamID := opts.StreamID
	if streamID == "" {
		streamID = "duocall-" + uuid.NewString()
	}

	s := &Source{
		streamID:  streamID,
		log:       logger.With("stream_id", streamID),
		loop:      opts.Loop,
		videoFile: opts.VideoFile,
		audioFile: opts.AudioFile,
	}

	videoMime := webrtc.MimeTypeVP8
	if opts.VideoFile != "" {
		mime, err := probeIVF(opts.VideoFile)
		if err != nil {
			return nil, fmt.Errorf("%w: video %s: %v", ErrNoMedia, opts.VideoFile, err)
		}
		videoMime = mime
	}
	if opts.AudioFile != "" {
		if err := probeOgg(opts.AudioFile); err != nil {
			return nil, fmt.Errorf("%w: audio %s: %v", ErrNoMedia, opts.AudioFile, err)
		}
	}

	var err error
	if opts.VideoFile != "" || opts.Synthetic {
		s.video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: videoMime}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
	}
	if opts.AudioFile != "" || opts.Synthetic {
		s.audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
	}
	return s, nil
}

func (s *Source) StreamID() string { return s.streamID }

// Tracks returns the local tracks to attach to a peer connection.
func (s *Source) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	return tracks
}

// Start begins feeding samples. Samples written before a track is bound to a
// connection are discarded by pion. Start is idempotent.
func (s *Source) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		if s.video != nil {
			s.run(ctx, "video", func(ctx context.Context) error {
				if s.videoFile == "" {
					return playSynthetic(ctx, s.video, syntheticVP8Frame, syntheticVideoInterval)
				}
				return s.repeat(ctx, func(ctx context.Context) error { return playIVF(ctx, s.videoFile, s.video) })
			})
		}
		if s.audio != nil {
			s.run(ctx, "audio", func(ctx context.Context) error {
				if s.audioFile == "" {
					return playSynthetic(ctx, s.audio, opusSilenceFrame, syntheticAudioInterval)
				}
				return s.repeat(ctx, func(ctx context.Context) error { return playOgg(ctx, s.audioFile, s.audio) })
			})
		}
	})
}

// Close stops playback and waits for the players to exit.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		s.startOnce.Do(func() {})
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Source) run(ctx context.Context, kind string, play func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := play(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("local media playback stopped", "kind", kind, "err", err)
			return
		}
		s.log.Debug("local media playback finished", "kind", kind)
	}()
}

// repeat replays until play fails. Players return ErrNoMedia for a file
// without samples.
func (s *Source) repeat(ctx context.Context, play func(context.Context) error) error {
	for {
		if err := play(ctx); err != nil {
			return err
		}
		if !s.loop {
			return nil
		}
	}
}

func probeIVF(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return "", err
	}
	switch header.FourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("unsupported IVF codec %q", header.FourCC)
	}
}

func probeOgg(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, _, err = oggreader.NewWith(f)
	return err
}

// playIVF writes one frame per timebase tick until the file ends.
func playIVF(ctx context.Context, path string, w sampleWriter) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, header, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}
	interval := time.Second / 30
	if header.TimebaseDenominator != 0 {
		interval = time.Second * time.Duration(header.TimebaseNumerator) / time.Duration(header.TimebaseDenominator)
	}
	if interval <= 0 {
		interval = time.Second / 30
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for written := 0; ; written++ {
		frame, _, err := r.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if written == 0 {
				return fmt.Errorf("%w: %s has no frames", ErrNoMedia, path)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// playOgg writes one Ogg page per tick, timed by its granule position.
func playOgg(ctx context.Context, path string, w sampleWriter) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}

	var lastGranule uint64
	written := 0
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		page, header, err := r.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if written == 0 {
				return fmt.Errorf("%w: %s has no audio pages", ErrNoMedia, path)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if bytes.HasPrefix(page, opusTagsMagic) {
			continue
		}

		duration := oggPageDuration
		if header.GranulePosition > lastGranule {
			samples := header.GranulePosition - lastGranule
			duration = time.Duration(samples) * time.Second / opusSampleRate
		}
		lastGranule = header.GranulePosition

		if err := w.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}
		written++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func playSynthetic(ctx context.Context, w sampleWriter, frame []byte, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
				return err
			}
		}
	}
}
