// Command livevc streams microphone audio to a live voice-conversion server
// and plays the converted voice back in real time.
//
// Usage:
//
//	livevc --url https://example.ngrok.app [flags]
//	livevc devices
//
// Press Ctrl+C to stop; the average real-time factor is logged on exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio/portaudio"
)

func main() {
	os.Exit(execute())
}

func execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(deps{openHost: openPortAudio})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "livevc: %v\n", err)
		return 1
	}
	return 0
}

// deps are the process-level dependencies swapped out in tests.
type deps struct {
	// openHost returns an audio host and a function releasing it.
	openHost func() (audio.Host, func(), error)
}

func openPortAudio() (audio.Host, func(), error) {
	h, err := portaudio.New()
	if err != nil {
		return nil, nil, err
	}
	return h, func() {
		if err := h.Close(); err != nil {
			slog.Warn("releasing audio host", "err", err)
		}
	}, nil
}

// newLogger writes text records to w at a level that can change at runtime.
func newLogger(w io.Writer, level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled)
}
