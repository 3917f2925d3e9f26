package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/marz/pkg/media"
)

// process is one running ffmpeg capture.
type process struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	waitErr chan error

	stopOnce sync.Once
	stopErr  error
}

// startProcess runs command with args and waits grace for an early exit, which
// is reported as a classified *media.Error.
func startProcess(ctx context.Context, command string, args []string, grace time.Duration) (*process, error) {
	// The capture outlives the request context, so it is not bound to ctx.
	cmd := exec.Command(command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, media.NewError("", "ffmpeg executable not found", err)
		}
		return nil, fmt.Errorf("ffmpeg: start: %w", err)
	}

	p := &process{cmd: cmd, stdout: stdout, stderr: &stderr, waitErr: make(chan error, 1)}
	go func() {
		p.waitErr <- cmd.Wait()
		close(p.waitErr)
	}()

	select {
	case err := <-p.waitErr:
		msg := strings.TrimSpace(stderr.String())
		if err == nil {
			err = errors.New("exited before capture started")
		}
		return nil, media.NewError(classifyStderr(msg), msg, err)
	case <-ctx.Done():
		_ = p.stop()
		return nil, media.NewError(media.NameAbort, "", ctx.Err())
	case <-time.After(grace):
	}
	return p, nil
}

// stop interrupts ffmpeg, escalating to kill when it does not exit in time.
func (p *process) stop() error {
	p.stopOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(os.Interrupt)
		}
		select {
		case err, ok := <-p.waitErr:
			if ok {
				p.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			_ = p.cmd.Process.Kill()
			if err, ok := <-p.waitErr; ok {
				p.stopErr = normalizeStopErr(err)
			}
		}
		if err := p.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && p.stopErr == nil {
			p.stopErr = err
		}
	})
	return p.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// stderrPatterns map ffmpeg diagnostics to platform error names. Order
// matters: the first match wins.
var stderrPatterns = []struct {
	substr string
	name   string
}{
	{"permission denied", media.NameNotAllowed},
	{"operation not permitted", media.NameNotAllowed},
	{"device or resource busy", media.NameNotReadable},
	{"resource temporarily unavailable", media.NameNotReadable},
	{"no such file or directory", media.NameNotFound},
	{"no such device", media.NameNotFound},
	{"no such entity", media.NameNotFound},
	{"connection refused", media.NameNotFound},
	{"not supported", media.NameOverconstrained},
	{"invalid argument", media.NameOverconstrained},
	{"could not find", media.NameOverconstrained},
	{"unknown input format", media.NameOverconstrained},
	{"immediate exit requested", media.NameAbort},
	{"exiting normally, received signal", media.NameAbort},
}

// classifyStderr derives a platform error name from ffmpeg's stderr text. An
// unrecognised message yields "", which classifies as unknown.
func classifyStderr(msg string) string {
	lower := strings.ToLower(msg)
	for _, p := range stderrPatterns {
		if strings.Contains(lower, p.substr) {
			return p.name
		}
	}
	return ""
}
