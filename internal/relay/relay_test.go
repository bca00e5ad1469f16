package relay

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

// recorder collects sink calls in order.
type recorder struct {
	stdout []string
	stderr []string
}

func (r *recorder) sinks() Sinks {
	return Sinks{
		Stdout: func(text string) { r.stdout = append(r.stdout, text) },
		Stderr: func(text string) { r.stderr = append(r.stderr, text) },
	}
}

// runToEnd drives the relay with the poll-loop-then-final-flush protocol.
func runToEnd(t *testing.T, r *Relay) int {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, exited := r.Poll(); exited {
			break
		}
		r.Flush()
		if time.Now().After(deadline) {
			t.Fatal("process did not exit in time")
		}
		time.Sleep(time.Millisecond)
	}
	r.Flush()
	code, exited := r.Poll()
	require.True(t, exited)
	return code
}

func TestRelay_StdoutThenExitZero(t *testing.T) {
	rec := &recorder{}
	r, err := Launch("printf", []string{"hello"}, rec.sinks())
	require.NoError(t, err)

	code := runToEnd(t, r)

	require.Equal(t, 0, code)
	require.Equal(t, []string{"hello"}, rec.stdout)
	require.Empty(t, rec.stderr)
}

func TestRelay_StderrAndExitOne(t *testing.T) {
	rec := &recorder{}
	r, err := Launch("sh", []string{"-c", "printf 'error: x' >&2; exit 1"}, rec.sinks())
	require.NoError(t, err)

	code := runToEnd(t, r)

	require.Equal(t, 1, code)
	require.Equal(t, []string{"error: x"}, rec.stderr)
	require.Empty(t, rec.stdout)
}

func TestRelay_LargeOutputSpansSeveralReads(t *testing.T) {
	payload := strings.Repeat("0123456789", 1000)
	file := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(file, []byte(payload), 0o600))

	rec := &recorder{}
	r, err := Launch("cat", []string{file}, rec.sinks())
	require.NoError(t, err)

	runToEnd(t, r)

	require.NotEmpty(t, rec.stdout)
	require.Len(t, strings.Join(rec.stdout, ""), 10000)
	require.Equal(t, payload, strings.Join(rec.stdout, ""))
}

func TestRelay_LaunchMissingExecutable(t *testing.T) {
	r, err := Launch("/nonexistent/definitely-not-here", nil, Sinks{})
	require.Nil(t, r)
	require.Error(t, err)

	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr))
	require.Equal(t, "/nonexistent/definitely-not-here", launchErr.Command)
}

func TestRelay_LaunchNotInPath(t *testing.T) {
	_, err := Launch("cellrunner-no-such-binary", nil, Sinks{})
	require.ErrorIs(t, err, exec.ErrNotFound)
}

func TestRelay_LaunchPermissionDenied(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-executable")
	require.NoError(t, os.WriteFile(file, []byte("#!/bin/sh\n"), 0o600))

	_, err := Launch(file, nil, Sinks{})
	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
}

func TestRelay_OrderPreservedAcrossFlushes(t *testing.T) {
	script := `i=0; while [ $i -lt 200 ]; do printf 'line %d\n' $i; i=$((i+1)); done`
	rec := &recorder{}
	r, err := Launch("sh", []string{"-c", script}, rec.sinks(), WithChunkSize(16))
	require.NoError(t, err)

	runToEnd(t, r)

	var want strings.Builder
	for i := 0; i < 200; i++ {
		want.WriteString("line ")
		want.WriteString(strconv.Itoa(i))
		want.WriteString("\n")
	}
	require.Equal(t, want.String(), strings.Join(rec.stdout, ""))
}

func TestRelay_OutputWhileRunning(t *testing.T) {
	rec := &recorder{}
	r, err := Launch("sh", []string{"-c", "printf first; sleep 0.5; printf second"}, rec.sinks())
	require.NoError(t, err)

	// The first write must be visible before the process exits.
	require.Eventually(t, func() bool {
		r.Flush()
		return len(rec.stdout) > 0
	}, 5*time.Second, 5*time.Millisecond)
	_, exited := r.Poll()
	require.False(t, exited)
	require.Equal(t, "first", rec.stdout[0])

	runToEnd(t, r)
	require.Equal(t, "firstsecond", strings.Join(rec.stdout, ""))
}

func TestRelay_FlushWithoutNewOutputCallsNoSink(t *testing.T) {
	rec := &recorder{}
	r, err := Launch("printf", []string{"once"}, rec.sinks())
	require.NoError(t, err)

	runToEnd(t, r)
	require.Len(t, rec.stdout, 1)

	r.Flush()
	r.Flush()
	require.Len(t, rec.stdout, 1)
	require.Empty(t, rec.stderr)
	for _, text := range append(rec.stdout, rec.stderr...) {
		require.NotEmpty(t, text)
	}
}

func TestRelay_BothStreams(t *testing.T) {
	rec := &recorder{}
	r, err := Launch("sh", []string{"-c", "echo out; echo err >&2; echo out2"}, rec.sinks())
	require.NoError(t, err)

	runToEnd(t, r)

	require.Equal(t, "out\nout2\n", strings.Join(rec.stdout, ""))
	require.Equal(t, "err\n", strings.Join(rec.stderr, ""))
}

func TestRelay_NilSinkDiscards(t *testing.T) {
	var got []string
	r, err := Launch("sh", []string{"-c", "echo out; echo err >&2"}, Sinks{
		Stderr: func(text string) { got = append(got, text) },
	})
	require.NoError(t, err)

	runToEnd(t, r)
	require.Equal(t, []string{"err\n"}, got)
}

func TestRelay_MultiByteRuneSplitAcrossReads(t *testing.T) {
	rec := &recorder{}
	// Chunk size 1 splits every multi-byte rune across reads.
	r, err := Launch("printf", []string{"größe €"}, rec.sinks(), WithChunkSize(1))
	require.NoError(t, err)

	runToEnd(t, r)

	require.Equal(t, "größe €", strings.Join(rec.stdout, ""))
	for _, text := range rec.stdout {
		require.True(t, utf8.ValidString(text), "sink received a partial rune: %q", text)
	}
}

func TestRelay_SignalExit(t *testing.T) {
	rec := &recorder{}
	r, err := Launch("sh", []string{"-c", "kill -TERM $$"}, rec.sinks())
	require.NoError(t, err)

	code := runToEnd(t, r)
	require.Equal(t, 128+15, code)
	require.Equal(t, "terminated", r.Signal())
}

func TestRelay_KillProcessGroup(t *testing.T) {
	rec := &recorder{}
	r, err := Launch("sh", []string{"-c", "sleep 30 & sleep 30; wait"}, rec.sinks())
	require.NoError(t, err)

	_, exited := r.Poll()
	require.False(t, exited)
	require.NoError(t, r.Kill())

	code := runToEnd(t, r)
	require.Equal(t, 128+9, code)
	require.Equal(t, "killed", r.Signal())
}

func TestRelay_InterruptAfterExitIsNoop(t *testing.T) {
	r, err := Launch("true", nil, Sinks{})
	require.NoError(t, err)
	runToEnd(t, r)
	require.NoError(t, r.Interrupt())
}

func TestRelay_WithDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	r, err := Launch("sh", []string{"-c", `printf '%s %s' "$(pwd)" "$CELL_VAR"`}, rec.sinks(),
		WithDir(dir), WithEnv("CELL_VAR=42"))
	require.NoError(t, err)

	runToEnd(t, r)

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, resolved+" 42", strings.Join(rec.stdout, ""))
}

func TestRelay_ExitGraceWhenDescendantHoldsPipe(t *testing.T) {
	rec := &recorder{}
	// The background sleep inherits stdout and keeps it open after sh exits.
	r, err := Launch("sh", []string{"-c", "printf done; sleep 5 &"}, rec.sinks(),
		WithExitGrace(300*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = syscall.Kill(-r.Pid(), syscall.SIGKILL) })

	start := time.Now()
	code := runToEnd(t, r)
	require.Equal(t, 0, code)
	require.Less(t, time.Since(start), 4*time.Second)
	require.Equal(t, "done", strings.Join(rec.stdout, ""))
}

func TestRelay_Pump(t *testing.T) {
	rec := &recorder{}
	r, err := Launch("sh", []string{"-c", "echo a; sleep 0.1; echo b; exit 3"}, rec.sinks())
	require.NoError(t, err)

	ticks := 0
	code, err := r.Pump(context.Background(), 5*time.Millisecond, func() { ticks++ })
	require.NoError(t, err)
	require.Equal(t, 3, code)
	require.Positive(t, ticks)
	require.Equal(t, "a\nb\n", strings.Join(rec.stdout, ""))
}

func TestRelay_PumpCancelled(t *testing.T) {
	r, err := Launch("sleep", []string{"30"}, Sinks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Kill() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = r.Pump(ctx, 5*time.Millisecond, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, exited := r.Poll()
	require.False(t, exited)
}

func TestRelay_StdoutTTY(t *testing.T) {
	rec := &recorder{}
	r, err := Launch("sh", []string{"-c", `[ -t 1 ] && printf 'tty\n'; printf 'err' >&2`}, rec.sinks(),
		WithStdoutTTY(true))
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}

	runToEnd(t, r)
	require.Equal(t, "tty\n", strings.Join(rec.stdout, ""))
	require.Equal(t, "err", strings.Join(rec.stderr, ""))
}


func TestRelay_NoConsumerWhileRunning(t *testing.T) {
	rec := &recorder{}
	// Far more than a pipe buffer; the child only exits if the drainer keeps
	// reading while nobody flushes.
	const size = 2 << 20
	r, err := Launch("head", []string{"-c", strconv.Itoa(size), "/dev/zero"}, rec.sinks())
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, exited := r.Poll(); exited {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("process blocked on a full pipe")
		}
		time.Sleep(time.Millisecond)
	}

	r.Flush()
	code, _ := r.Poll()
	require.Equal(t, 0, code)
	require.Len(t, rec.stdout, 1)
	require.Len(t, rec.stdout[0], size)
	require.Empty(t, rec.stderr)
}
