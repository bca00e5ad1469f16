// Package relay runs a child process and relays its stdout and stderr to
// callbacks in near real time.
//
// Each stream is read by its own Drainer goroutine into an unbounded
// ChunkQueue. The owner of a Relay polls for exit and flushes the queues from
// its own goroutine:
//
//	for {
//		if _, exited := r.Poll(); exited {
//			break
//		}
//		r.Flush()
//	}
//	r.Flush()
//
// The final Flush after the loop is required: the exit status and the last
// bytes of output are not observed atomically. Pump implements this loop.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// DefaultExitGrace is how long the exit status is held back after the child
// exits while its output streams are still open.
const DefaultExitGrace = 200 * time.Millisecond

// Sink receives decoded text. It is never called with an empty string.
type Sink func(text string)

// Sinks holds one callback per stream. A nil sink discards that stream.
type Sinks struct {
	Stdout Sink
	Stderr Sink
}

// LaunchError is returned by Launch when the command could not be started.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

type options struct {
	dir       string
	env       []string
	chunkSize int
	exitGrace time.Duration
	stdoutTTY bool
	log       *slog.Logger
}

// Option configures Launch.
type Option func(*options)

// WithDir sets the working directory of the child.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithEnv adds KEY=VALUE entries to the inherited environment.
func WithEnv(env ...string) Option {
	return func(o *options) { o.env = append(o.env, env...) }
}

// WithChunkSize sets the maximum size of a single read.
func WithChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}

// WithExitGrace bounds how long Poll keeps reporting "running" after the
// child exited while a descendant still holds one of its output streams.
func WithExitGrace(d time.Duration) Option {
	return func(o *options) { o.exitGrace = d }
}

// WithStdoutTTY attaches the child's stdout to a pseudo-terminal in raw mode,
// so stdio in the child flushes per line instead of per block. Stderr stays a
// pipe.
func WithStdoutTTY(enabled bool) Option {
	return func(o *options) { o.stdoutTTY = enabled }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

type stream struct {
	queue   *ChunkQueue
	drainer *Drainer
	decoder *textDecoder
	sink    Sink
}

// Relay owns one child process and the drainers for its output streams.
type Relay struct {
	cmd    *exec.Cmd
	stdout *stream
	stderr *stream
	log    *slog.Logger

	exited chan struct{}
	// Written once before exited is closed.
	exitCode   int
	signalName string
}

// Launch starts name with args (no shell involved) and begins draining its
// output immediately. If the command cannot be started a *LaunchError is
// returned and nothing keeps running.
func Launch(name string, args []string, sinks Sinks, opts ...Option) (*Relay, error) {
	o := options{
		chunkSize: DefaultChunkSize,
		exitGrace: DefaultExitGrace,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = o.dir
	if len(o.env) > 0 {
		cmd.Env = append(os.Environ(), o.env...)
	}
	// Own process group so Interrupt and Kill reach grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutR, stdoutW, err := openStdout(o.stdoutTTY)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout stream: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			_ = f.Close()
		}
		return nil, &LaunchError{Command: name, Err: err}
	}

	// The child holds its own copies; ours must go so the drainers see EOF.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	r := &Relay{
		cmd:    cmd,
		stdout: newStream("stdout", stdoutR, sinks.Stdout, o),
		stderr: newStream("stderr", stderrR, sinks.Stderr, o),
		log:    o.log,
		exited: make(chan struct{}),
	}

	go r.stdout.drainer.Run()
	go r.stderr.drainer.Run()
	go r.wait(o.exitGrace)

	r.log.Debug("Process started", "command", name, "pid", cmd.Process.Pid)
	return r, nil
}

func newStream(name string, src *os.File, sink Sink, o options) *stream {
	q := &ChunkQueue{}
	return &stream{
		queue:   q,
		drainer: NewDrainer(name, src, q, o.chunkSize, o.log),
		decoder: newTextDecoder(),
		sink:    sink,
	}
}

// openStdout returns the read end for the drainer and the write end for the
// child.
func openStdout(useTTY bool) (*os.File, *os.File, error) {
	if !useTTY {
		return os.Pipe()
	}
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open pty: %w", err)
	}
	// Raw mode keeps bytes as written: no \n to \r\n translation, no echo.
	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		_ = ptmx.Close()
		_ = tty.Close()
		return nil, nil, fmt.Errorf("failed to set pty raw mode: %w", err)
	}
	return ptmx, tty, nil
}

// wait reaps the child and publishes its exit status once both streams have
// been drained, or once grace has passed after exit.
func (r *Relay) wait(grace time.Duration) {
	err := r.cmd.Wait()
	code, sig := exitStatus(err)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	for _, d := range []*Drainer{r.stdout.drainer, r.stderr.drainer} {
		select {
		case <-d.Done():
			continue
		case <-timer.C:
			r.log.Debug("Output stream still open after exit", "pid", r.cmd.Process.Pid, "stream", d.name)
		}
		break
	}

	r.exitCode = code
	r.signalName = sig
	close(r.exited)
}

// exitStatus maps the result of cmd.Wait to an exit code. A child killed by a
// signal reports 128 plus the signal number.
func exitStatus(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1, ""
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), status.Signal().String()
	}
	return exitErr.ExitCode(), ""
}

// Poll reports the exit code once the child has terminated. It never blocks.
func (r *Relay) Poll() (code int, exited bool) {
	select {
	case <-r.exited:
		return r.exitCode, true
	default:
		return 0, false
	}
}

// Exited is closed when Poll starts reporting the exit status.
func (r *Relay) Exited() <-chan struct{} {
	return r.exited
}

// Signal returns the name of the signal that terminated the child, or "" if
// it exited normally or is still running.
func (r *Relay) Signal() string {
	if _, exited := r.Poll(); !exited {
		return ""
	}
	return r.signalName
}

// Pid returns the process id of the child.
func (r *Relay) Pid() int {
	return r.cmd.Process.Pid
}

// Flush hands everything queued so far to the sinks: stdout first, then
// stderr, at most one call per stream.
func (r *Relay) Flush() {
	r.flushStream(r.stdout)
	r.flushStream(r.stderr)
}

func (r *Relay) flushStream(s *stream) {
	// Checked before the snapshot: once the drainer is done, all of its
	// chunks are already queued and this flush takes them all.
	closed := false
	select {
	case <-s.drainer.Done():
		closed = true
	default:
	}

	chunks := s.queue.PopN(s.queue.Len())
	if len(chunks) == 0 && !(closed && s.decoder.hasPending()) {
		return
	}

	text := s.decoder.decode(bytes.Join(chunks, nil), closed)
	if text == "" || s.sink == nil {
		return
	}
	s.sink(text)
}

// Interrupt sends SIGINT to the child's process group.
func (r *Relay) Interrupt() error {
	return r.signalGroup(syscall.SIGINT)
}

// Kill sends SIGKILL to the child's process group.
func (r *Relay) Kill() error {
	return r.signalGroup(syscall.SIGKILL)
}

func (r *Relay) signalGroup(sig syscall.Signal) error {
	if _, exited := r.Poll(); exited {
		return nil
	}
	if err := syscall.Kill(-r.cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to send %s to process group %d: %w", sig, r.cmd.Process.Pid, err)
	}
	return nil
}

// Pump runs the poll/flush loop until the child exits, then flushes once more
// and returns the exit code. onTick, if not nil, runs after every flush while
// the child is alive.
//
// If ctx is done first, Pump returns ctx.Err() without the final flush. Output
// still queued at that point is dropped; the relay is best effort and callers
// that stop early (shutdown mid-execution) accept the loss. The child keeps
// running; use Kill to stop it.
func (r *Relay) Pump(ctx context.Context, interval time.Duration, onTick func()) (int, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, exited := r.Poll(); exited {
			break
		}
		r.Flush()
		if onTick != nil {
			onTick()
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		case <-r.exited:
		}
	}
	r.Flush()

	code, _ := r.Poll()
	return code, nil
}
