// Package latch holds the process open until the user presses ctrl-c.
package latch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

const ctrlC = 0x03

// Prompt is written to out before waiting.
const Prompt = "Keeping browser open, press ctrl-c to close it.\n"

// WaitForInterrupt blocks until ctrl-c is read from in, SIGINT or SIGTERM
// arrives, or ctx is done. When in is a terminal it is switched to raw mode
// for the duration of the wait and restored on every return path. The
// interrupt itself is the normal way out and returns nil.
func WaitForInterrupt(ctx context.Context, in io.Reader, out io.Writer) error {
	if out != nil {
		fmt.Fprint(out, Prompt)
	}

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer func() {
			if err := term.Restore(fd, oldState); err != nil {
				slog.Warn("Failed to restore terminal", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	keyCh := make(chan struct{})
	if in != nil {
		// The reader goroutine may outlive this call while blocked on stdin.
		go readUntilCtrlC(in, keyCh)
	}

	select {
	case <-keyCh:
		slog.Debug("ctrl-c read from stdin")
		return nil
	case sig := <-sigCh:
		slog.Debug("interrupt signal received", "signal", sig.String())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func readUntilCtrlC(in io.Reader, keyCh chan<- struct{}) {
	buf := make([]byte, 64)
	for {
		n, err := in.Read(buf)
		for _, b := range buf[:n] {
			if b == ctrlC {
				close(keyCh)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("stdin read failed", "error", err)
			}
			return
		}
	}
}
