package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/duocall/duocall/internal/call"
	"github.com/duocall/duocall/internal/config"
	"github.com/duocall/duocall/internal/httpserver"
	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/protocol"
	"github.com/duocall/duocall/internal/signaling"
	"github.com/duocall/duocall/internal/webrtcpeer"
)

// session is one connected client: relay connection, local media, optional
// recorder and the call controller driving them.
type session struct {
	log      *slog.Logger
	client   *signaling.Client
	source   *media.Source
	recorder *media.Recorder
	ctrl     *call.Controller
	view     *terminalView
	id       string
}

func openSession(ctx context.Context, cfg config.ClientConfig, out io.Writer) (_ *session, err error) {
	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.FetchICEServers {
		servers, err := httpserver.FetchICEServers(ctx, nil, cfg.ServerURL)
		if err != nil {
			return nil, err
		}
		cfg.WebRTC.ICEServers = servers
		logger.Debug("using relay ice servers", "count", len(servers))
	}

	api, err := webrtcpeer.NewAPI(cfg.WebRTC, logger)
	if err != nil {
		return nil, fmt.Errorf("create webrtc api: %w", err)
	}

	s := &session{log: logger}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.source, err = media.Open(media.SourceOptions{
		VideoFile: cfg.VideoFile,
		AudioFile: cfg.AudioFile,
		Synthetic: true,
		Loop:      true,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.RecordDir != "" {
		s.recorder, err = media.NewRecorder(cfg.RecordDir, logger)
		if err != nil {
			return nil, err
		}
	}

	codec := protocol.JSON
	if cfg.Codec == config.CodecMsgPack {
		codec = protocol.MsgPack
	}
	s.client, err = signaling.Dial(ctx, cfg.ServerURL, signaling.ClientOptions{Codec: codec, Logger: logger})
	if err != nil {
		return nil, err
	}
	s.id, err = s.client.WaitID(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for identity: %w", err)
	}

	s.view = newTerminalView(out, logger, s.recorder, cfg.AutoAnswer)
	s.ctrl, err = call.New(call.Options{
		Signaler:         s.client,
		Media:            s.source,
		NewPeer:          call.NewPeerFactory(api, cfg.WebRTC.PeerConnectionConfiguration()),
		View:             s.view,
		Name:             cfg.Name,
		Logger:           logger,
		GatheringTimeout: cfg.WebRTC.ICEGatheringTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.view.bind(s.ctrl)

	s.source.Start(ctx)
	fmt.Fprintf(out, "connected to %s as %s\n", cfg.ServerURL, s.id)
	return s, nil
}

// wait blocks until ctx is done, the relay connection drops or a call ends
// on ended. A nil ended never fires.
func (s *session) wait(ctx context.Context, ended <-chan string) error {
	select {
	case <-ctx.Done():
		return nil
	case <-ended:
		return nil
	case <-s.client.Done():
		if err := s.client.Err(); err != nil && !errors.Is(err, signaling.ErrClientClosed) {
			return fmt.Errorf("relay connection lost: %w", err)
		}
		return errors.New("relay closed the connection")
	}
}

func (s *session) close() {
	if s.ctrl != nil {
		if err := s.ctrl.Close(); err != nil {
			s.log.Debug("close call", "err", err)
		}
	}
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.source != nil {
		s.source.Close()
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.log.Warn("close recorder", "err", err)
		}
	}
}

// terminalView prints call progress and routes remote tracks to the
// recorder, or drains them when recording is off.
type terminalView struct {
	out        io.Writer
	log        *slog.Logger
	recorder   *media.Recorder
	autoAnswer bool

	mu      sync.Mutex
	ctrl    *call.Controller
	lastErr error
	ended   chan string
}

func newTerminalView(out io.Writer, logger *slog.Logger, recorder *media.Recorder, autoAnswer bool) *terminalView {
	return &terminalView{
		out:        out,
		log:        logger,
		recorder:   recorder,
		autoAnswer: autoAnswer,
		ended:      make(chan string, 1),
	}
}

func (v *terminalView) bind(ctrl *call.Controller) {
	v.mu.Lock()
	v.ctrl = ctrl
	v.mu.Unlock()
}

func (v *terminalView) controller() *call.Controller {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ctrl
}

func (v *terminalView) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

func (v *terminalView) IncomingCall(inv call.Invite) {
	v.printf("incoming call from %s (%s)\n", inv.Name, inv.From)
	ctrl := v.controller()
	if ctrl == nil {
		return
	}
	if !v.autoAnswer {
		v.printf("declining, run with --auto-answer to accept calls\n")
		if err := ctrl.Decline(); err != nil && !errors.Is(err, call.ErrNoIncomingCall) {
			v.log.Warn("decline call", "err", err)
		}
		return
	}
	if err := ctrl.Answer(); err != nil {
		v.printf("answer failed: %v\n", err)
	}
}

func (v *terminalView) CallAccepted(peerID string) {
	v.printf("call accepted by %s\n", peerID)
}

func (v *terminalView) RemoteStream(stream *webrtcpeer.Stream) {
	v.printf("receiving stream %s\n", stream.ID)
	stream.OnTrack(func(track webrtcpeer.RemoteTrack) {
		go v.consume(track)
	})
}

func (v *terminalView) consume(track webrtcpeer.RemoteTrack) {
	if v.recorder == nil {
		if err := media.Discard(track); err != nil {
			v.log.Debug("remote track ended", "track", track.ID(), "err", err)
		}
		return
	}
	if path := v.recorder.Path(track); path != "" {
		v.printf("recording %s track to %s\n", track.Kind(), path)
	}
	if err := v.recorder.Record(track); err != nil {
		v.log.Warn("record remote track", "track", track.ID(), "err", err)
	}
}

func (v *terminalView) PeerState(state webrtcpeer.State) {
	v.printf("peer %s\n", state)
}

func (v *terminalView) CallEnded(peerID string) {
	v.printf("call with %s ended\n", peerID)
	select {
	case v.ended <- peerID:
	default:
	}
}

func (v *terminalView) Error(err error) {
	v.printf("error: %v\n", err)
	v.mu.Lock()
	v.lastErr = err
	v.mu.Unlock()
}

// err returns the last error reported by the controller.
func (v *terminalView) err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}
