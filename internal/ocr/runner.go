package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds a single tesseract, pdftoppm or converter run.
const DefaultCommandTimeout = 2 * time.Minute

const stderrCap = 8 << 10

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// CommandError is a failed tool run. Stderr keeps the first 8 KiB;
// StderrBytes is what the tool actually wrote.
type CommandError struct {
	Name        string
	ExitCode    int
	Stderr      string
	StderrBytes int
	TimedOut    bool
	Err         error
}

func (e *CommandError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("%s timed out", e.Name)
	case strings.TrimSpace(e.Stderr) != "":
		return fmt.Sprintf("%s exited %d: %s", e.Name, e.ExitCode, firstLine(e.Stderr))
	default:
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
}

// Unwrap exposes context.DeadlineExceeded for timeouts.
func (e *CommandError) Unwrap() error {
	if e.TimedOut {
		return context.DeadlineExceeded
	}
	return e.Err
}

// cappedBuffer keeps the first limit bytes written and counts the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
	total int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.total += len(p)
	if room := c.limit - c.buf.Len(); room > 0 {
		c.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte { return c.buf.Bytes() }

type execRunner struct {
	logger  *slog.Logger
	timeout time.Duration
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	// grandchildren holding the pipes must not outlive a killed tool
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	errb := &cappedBuffer{limit: stderrCap}
	cmd.Stdout = &out
	cmd.Stderr = errb

	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()
	if err == nil {
		r.logger.Debug("ocr.exec.ok", "cmd", name, "elapsed_ms", elapsed,
			"stdout_bytes", out.Len(), "stderr_bytes", errb.total)
		return out.Bytes(), errb.Bytes(), nil
	}

	ce := &CommandError{
		Name:        filepath.Base(name),
		ExitCode:    -1,
		Stderr:      string(errb.Bytes()),
		StderrBytes: errb.total,
		TimedOut:    errors.Is(ctx.Err(), context.DeadlineExceeded),
		Err:         err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
	}
	r.logger.Error("ocr.exec.error", "cmd", name, "args", strings.Join(args, " "),
		"exit_code", ce.ExitCode, "timed_out", ce.TimedOut, "stderr_bytes", ce.StderrBytes,
		"stderr", ce.Stderr, "elapsed_ms", elapsed)
	return out.Bytes(), errb.Bytes(), ce
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
