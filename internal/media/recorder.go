package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/duocall/duocall/internal/webrtcpeer"
)

var ErrRecorderClosed = errors.New("recorder closed")

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Recorder writes remote tracks into a directory: VP8, VP9 and AV1 video as
// IVF, Opus audio as Ogg. Tracks with other codecs are drained and dropped.
type Recorder struct {
	dir string
	log *slog.Logger

	mu      sync.Mutex
	writers map[rtpWriter]struct{}
	closed  bool
}

func NewRecorder(dir string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &Recorder{
		dir:     dir,
		log:     logger,
		writers: make(map[rtpWriter]struct{}),
	}, nil
}

// Path returns the file a track is recorded to, or "" when its codec is not
// recordable.
func (r *Recorder) Path(track webrtcpeer.RemoteTrack) string {
	ext := extension(track.Codec().MimeType)
	if ext == "" {
		return ""
	}
	name := sanitize(track.StreamID()) + "-" + sanitize(track.ID()) + ext
	return filepath.Join(r.dir, name)
}

// Record consumes track until it ends. It returns nil when the track ends
// normally.
func (r *Recorder) Record(track webrtcpeer.RemoteTrack) error {
	codec := track.Codec()
	path := r.Path(track)
	if path == "" {
		r.log.Info("not recording unsupported codec", "track_id", track.ID(), "mime_type", codec.MimeType)
		return Discard(track)
	}

	w, err := newWriter(path, codec)
	if err != nil {
		_ = Discard(track)
		return fmt.Errorf("open %s: %w", path, err)
	}
	if !r.add(w) {
		_ = w.Close()
		_ = Discard(track)
		return ErrRecorderClosed
	}
	defer r.remove(w)

	r.log.Info("recording remote track", "track_id", track.ID(), "kind", track.Kind().String(), "path", path)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := w.WriteRTP(pkt); err != nil {
			r.log.Debug("dropping unwritable packet", "track_id", track.ID(), "err", err)
		}
	}
}

// Close finalizes every file still being written.
func (r *Recorder) Close() error {
	r.mu.Lock()
	writers := r.writers
	r.writers = nil
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for w := range writers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

func (r *Recorder) add(w rtpWriter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.writers[w] = struct{}{}
	return true
}

func (r *Recorder) remove(w rtpWriter) {
	r.mu.Lock()
	_, owned := r.writers[w]
	delete(r.writers, w)
	r.mu.Unlock()
	if owned {
		if err := w.Close(); err != nil {
			r.log.Warn("failed to finalize recording", "err", err)
		}
	}
}

// Discard reads track until it ends so its buffers do not back up.
func Discard(track webrtcpeer.RemoteTrack) error {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func newWriter(path string, codec webrtc.RTPCodecParameters) (rtpWriter, error) {
	if strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		rate := codec.ClockRate
		if rate == 0 {
			rate = opusSampleRate
		}
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		return oggwriter.New(path, rate, channels)
	}
	for _, mime := range []string{webrtc.MimeTypeVP8, webrtc.MimeTypeVP9, webrtc.MimeTypeAV1} {
		if strings.EqualFold(codec.MimeType, mime) {
			return ivfwriter.New(path, ivfwriter.WithCodec(mime))
		}
	}
	return nil, fmt.Errorf("unsupported codec %q", codec.MimeType)
}

func extension(mimeType string) string {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		return ".ogg"
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8),
		strings.EqualFold(mimeType, webrtc.MimeTypeVP9),
		strings.EqualFold(mimeType, webrtc.MimeTypeAV1):
		return ".ivf"
	default:
		return ""
	}
}

func sanitize(s string) string {
	if s == "" {
		return "track"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
