package extractor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"extractd/pkg/logx"
)

// Exit codes understood from extraction commands (sysexits.h).
const (
	ExitInvalidInput = 65 // EX_DATAERR
	ExitNoResults    = 66 // EX_NOINPUT
	ExitNetwork      = 69 // EX_UNAVAILABLE
	ExitRateLimit    = 75 // EX_TEMPFAIL
)

const stderrTail = 512

// Command runs an external program per topic.
//
// The topic is appended as the last argument. The program reports on stdout,
// one directive per line:
//
//	progress <sources>
//	result <items> [sources]
//
// Other lines are ignored. A zero exit without a result line counts as zero
// items.
type Command struct {
	Path string
	Args []string
	Env  []string
	// WaitDelay bounds how long to wait for the process after ctx is done.
	WaitDelay time.Duration
	Log       logx.Logger
}

func (c *Command) Extract(ctx context.Context, topic string, progress func(n int)) (Result, error) {
	if strings.TrimSpace(c.Path) == "" {
		return Result{}, Permanent(KindInvalidInput, errors.New("extractor command not configured"))
	}
	args := append(append([]string(nil), c.Args...), topic)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stderr tailBuffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	if err := cmd.Start(); err != nil {
		return Result{}, Permanent(KindInvalidInput, fmt.Errorf("start %s: %w", c.Path, err))
	}

	res, sawResult := c.scan(stdout, progress)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if waitErr != nil {
		return Result{}, exitError(waitErr, stderr.String())
	}
	if !sawResult && !c.Log.IsZero() {
		c.Log.Debug("extractor exited without result line", logx.String("topic", topic))
	}
	return res, nil
}

func (c *Command) scan(r io.Reader, progress func(n int)) (Result, bool) {
	var (
		res Result
		saw bool
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "progress":
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 0 {
				continue
			}
			res.Sources = n
			if progress != nil {
				progress(n)
			}
		case "result":
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 0 {
				continue
			}
			res.Items = n
			saw = true
			if len(fields) > 2 {
				if s, err := strconv.Atoi(fields[2]); err == nil && s >= 0 {
					res.Sources = s
				}
			}
		}
	}
	// Drain so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
	return res, saw
}

func exitError(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return Permanent(KindUnknown, err)
	}
	cause := err
	if msg != "" {
		cause = fmt.Errorf("%w: %s", err, msg)
	}
	switch ee.ExitCode() {
	case ExitRateLimit:
		return Transient(KindRateLimit, cause)
	case ExitNetwork:
		return Transient(KindNetwork, cause)
	case ExitNoResults:
		return Permanent(KindNoResults, cause)
	case ExitInvalidInput:
		return Permanent(KindInvalidInput, cause)
	default:
		return Permanent(KindUnknown, cause)
	}
}

// tailBuffer keeps the last stderrTail bytes written.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if extra := t.buf.Len() - stderrTail; extra > 0 {
		t.buf.Next(extra)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
