package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/duocall/duocall/internal/config"
)

// Set via -ldflags at build time.
var version = "dev"

type rootFlags struct {
	server    string
	name      string
	video     string
	audio     string
	recordDir string
	relayOnly bool
	msgpack   bool
	fetchICE  bool
	logLevel  string
	logFormat string
}

func (f *rootFlags) clientOptions(autoAnswer bool) config.ClientOptions {
	return config.ClientOptions{
		ServerURL:       f.server,
		Name:            f.name,
		MsgPack:         f.msgpack,
		LogFormat:       f.logFormat,
		LogLevel:        f.logLevel,
		AutoAnswer:      autoAnswer,
		VideoFile:       f.video,
		AudioFile:       f.audio,
		RecordDir:       f.recordDir,
		RelayOnly:       f.relayOnly,
		FetchICEServers: f.fetchICE,
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "duocall",
		Short: "Two-party video calls over WebRTC",
		Long: `duocall connects to a duocall relay, receives an identity and places or
answers one video call at a time. Local media is streamed from IVF (VP8) and
Ogg (Opus) files, or a placeholder when none are given.

Examples:
  duocall listen --auto-answer --record-dir ./calls
  duocall call 7f0c1d4e-... --video clip.ivf --audio clip.ogg`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.server, "server", "", "relay signaling URL (default "+config.DefaultServerURL+", env DUOCALL_SERVER_URL)")
	pf.StringVar(&flags.name, "name", "", "display name sent with invites (env DUOCALL_NAME)")
	pf.StringVar(&flags.video, "video", "", "IVF file streamed as local video")
	pf.StringVar(&flags.audio, "audio", "", "Ogg/Opus file streamed as local audio")
	pf.StringVar(&flags.recordDir, "record-dir", "", "directory remote tracks are recorded into (env DUOCALL_RECORD_DIR)")
	pf.BoolVar(&flags.relayOnly, "relay-only", false, "only use TURN relay candidates")
	pf.BoolVar(&flags.msgpack, "msgpack", false, "speak msgpack to the relay instead of JSON")
	pf.BoolVar(&flags.fetchICE, "fetch-ice", false, "use the ICE servers advertised by the relay's /ice endpoint")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(newListenCmd(flags), newCallCmd(flags))
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
