// Package kernel compiles and runs notebook cells written in C++.
//
// Each cell is compiled into a shared object and run through a small loader
// binary built once per kernel. Both steps go through the output relay, so the
// client sees compiler diagnostics and program output while they happen.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cellrunner/internal/config"
	"cellrunner/internal/includes"
	"cellrunner/internal/magics"
	"cellrunner/internal/procstat"
	"cellrunner/internal/relay"
	"cellrunner/internal/session"
	"cellrunner/pkg/outputlog"
)

// ErrShutdown is returned by Execute after Shutdown.
var ErrShutdown = errors.New("kernel is shut down")

// Status is the outcome of an execution as reported to the client.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
)

const sampleInterval = 100 * time.Millisecond

// Output receives everything a cell produces. Calls come from the goroutine
// running Execute, in order.
type Output interface {
	Stdout(text string)
	Stderr(text string)
	Display(data map[string]string)
}

// Request is one cell execution.
type Request struct {
	Code   string
	CellID string // vscode-notebook-cell URI, used to resolve relative includes
	Silent bool   // no output forwarded, execution count unchanged
}

// Reply summarizes an execution.
type Reply struct {
	Status          Status
	ExecutionCount  int
	CompileExitCode int
	RunExitCode     int    // -1 when the executable did not run
	Signal          string // signal that terminated the executable, if any
	Usage           procstat.Usage
}

// Options configures New.
type Options struct {
	TempDir       string // parent of the session directory, system default when empty
	TranscriptDir string // where transcripts go, none recorded when empty
	Logger        *slog.Logger
}

// Kernel runs cells one at a time.
type Kernel struct {
	cfg     *config.Config
	session *session.Session
	log     *slog.Logger

	transcript     *outputlog.Writer
	transcriptFile *os.File

	// mu serializes executions.
	mu    sync.Mutex
	count int

	runMu    sync.Mutex
	running  *relay.Relay
	shutdown bool
}

// New creates a session and builds the loader binary. The context bounds the
// loader build.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Kernel, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	sess, err := session.New(opts.TempDir, log)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:     cfg,
		session: sess,
		log:     log.With("session", sess.ID),
	}

	if opts.TranscriptDir != "" {
		if err := k.openTranscript(opts.TranscriptDir); err != nil {
			_ = sess.Cleanup()
			return nil, err
		}
	}

	if err := k.buildMaster(ctx); err != nil {
		k.closeTranscript()
		_ = sess.Cleanup()
		return nil, err
	}

	k.log.Info("Kernel started", "dir", sess.Dir())
	return k, nil
}

// SessionID returns the id of the kernel's session.
func (k *Kernel) SessionID() string {
	return k.session.ID
}

// ExecutionCount returns the number of non-silent executions so far.
func (k *Kernel) ExecutionCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.count
}

func (k *Kernel) openTranscript(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create transcript directory: %w", err)
	}
	path := filepath.Join(dir, k.session.ID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	k.transcriptFile = f
	k.transcript = outputlog.NewWriter(f, func(err error) {
		k.log.Warn("Failed to write transcript", "error", err)
	})
	return nil
}

func (k *Kernel) closeTranscript() {
	if k.transcript == nil {
		return
	}
	k.transcript.Close()
	if err := k.transcriptFile.Close(); err != nil {
		k.log.Warn("Failed to close transcript", "error", err)
	}
	k.transcript = nil
}

func (k *Kernel) buildMaster(ctx context.Context) error {
	src, err := k.session.WriteMasterSource()
	if err != nil {
		return err
	}
	bin := strings.TrimSuffix(src, ".cpp")

	var stderr strings.Builder
	sinks := relay.Sinks{Stderr: func(text string) { stderr.WriteString(text) }}
	args := []string{src, k.cfg.StdFlag(), "-rdynamic", "-ldl", "-o", bin}

	code, _, err := k.launch(ctx, k.cfg.CompilerPath(), args, sinks)
	if err != nil {
		return fmt.Errorf("failed to build loader: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("failed to build loader: %s exited with code %d: %s",
			k.cfg.CompilerPath(), code, strings.TrimSpace(stderr.String()))
	}
	k.session.SetMaster(bin)
	return nil
}

// Execute compiles and runs one cell. A compiler or program failure is
// reported on the output's stderr and in the reply; the returned error is
// reserved for problems of the kernel itself. If ctx is done while the cell
// runs, its process tree is killed and the reply status is aborted.
func (k *Kernel) Execute(ctx context.Context, req Request, out Output) (Reply, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.isShutdown() {
		return Reply{Status: StatusError}, ErrShutdown
	}
	if !req.Silent {
		k.count++
	}
	reply := Reply{Status: StatusOK, ExecutionCount: k.count, RunExitCode: -1}

	rec := &recorder{out: out, log: k.transcript, silent: req.Silent}
	defer func() {
		rec.status(fmt.Sprintf("execution=%d status=%s compile=%d run=%d\n",
			reply.ExecutionCount, reply.Status, reply.CompileExitCode, reply.RunExitCode))
	}()

	m := magics.Parse(req.Code)
	source, deps := includes.Rewrite(req.Code, req.CellID)

	src, err := k.writeSource(source)
	if err != nil {
		reply.Status = StatusError
		return reply, err
	}
	bin := strings.TrimSuffix(src, ".cpp") + ".so"

	args := []string{src}
	args = append(args, deps...)
	args = append(args, k.cfg.StdFlag(), "-fPIC", "-shared", "-rdynamic")
	args = append(args, k.cfg.CXXFlags...)
	args = append(args, m.CXXFlags...)
	args = append(args, "-o", bin)
	args = append(args, k.cfg.LDFlags...)
	args = append(args, m.LDFlags...)

	sinks := relay.Sinks{Stdout: rec.Stdout, Stderr: rec.Stderr}
	reply.CompileExitCode, _, err = k.launch(ctx, k.cfg.CompilerPath(), args, sinks)
	err = k.killedByShutdown(err)
	if k.stopped(err, "compiler", rec, &reply) {
		return reply, passOn(err)
	}
	if reply.CompileExitCode != 0 {
		rec.Stderr(fmt.Sprintf("[C++ kernel] G++ exited with code %d, the executable will not be executed\n", reply.CompileExitCode))
		return reply, nil
	}

	disp := newDisplay(m.Display, rec)
	var sampler *procstat.Sampler
	onStart := func(r *relay.Relay) { sampler = procstat.NewSampler(r.Pid(), sampleInterval) }
	onTick := func() {
		if sampler != nil {
			sampler.Sample()
		}
	}

	runArgs := append([]string{bin}, m.Args...)
	sinks = relay.Sinks{Stdout: disp.stdout, Stderr: rec.Stderr}
	runCode, r, err := k.run(ctx, k.session.Master(), runArgs, sinks, k.cfg.StdoutTTY, onStart, onTick)
	if sampler != nil {
		reply.Usage = sampler.Usage()
	}
	disp.finish()
	err = k.killedByShutdown(err)
	if k.stopped(err, "executable", rec, &reply) {
		return reply, passOn(err)
	}
	reply.RunExitCode = runCode
	reply.Signal = r.Signal()

	if reply.RunExitCode != 0 {
		rec.Stderr(fmt.Sprintf("[C++ kernel] Executable exited with code %d\n", reply.RunExitCode))
	}
	k.log.Debug("Cell executed", "execution", reply.ExecutionCount, "exit_code", reply.RunExitCode,
		"peak_rss_mb", reply.Usage.PeakRSSMB, "cpu_seconds", reply.Usage.CPUSeconds)
	return reply, nil
}

// stopped reports err to the client and returns true if Execute has to stop.
func (k *Kernel) stopped(err error, what string, rec *recorder, reply *Reply) bool {
	if err == nil {
		return false
	}
	var launchErr *relay.LaunchError
	switch {
	case errors.As(err, &launchErr):
		rec.Stderr(fmt.Sprintf("[C++ kernel] Failed to start the %s: %v\n", what, launchErr.Err))
		reply.Status = StatusError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrShutdown):
		reply.Status = StatusAborted
	default:
		rec.Stderr(fmt.Sprintf("[C++ kernel] %v\n", err))
		reply.Status = StatusError
	}
	k.log.Warn("Execution stopped", "step", what, "error", err)
	return true
}

// killedByShutdown turns the exit of a child killed by Shutdown into
// ErrShutdown, so it is not reported as a failure of the cell.
func (k *Kernel) killedByShutdown(err error) error {
	if err == nil && k.isShutdown() {
		return ErrShutdown
	}
	return err
}

// passOn returns the errors the caller has to see: cancellation and
// shutdown. Other failures are already part of the reply.
func passOn(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrShutdown) {
		return err
	}
	return nil
}

func (k *Kernel) writeSource(code string) (string, error) {
	f, err := k.session.TempFile(".cpp")
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(code); err != nil {
		return "", fmt.Errorf("failed to write cell source: %w", err)
	}
	return f.Name(), nil
}

func (k *Kernel) launch(ctx context.Context, name string, args []string, sinks relay.Sinks) (int, *relay.Relay, error) {
	return k.run(ctx, name, args, sinks, false, nil, nil)
}

// run runs one child through the relay until it exits. While it runs it can
// be reached by Interrupt and Shutdown.
func (k *Kernel) run(ctx context.Context, name string, args []string, sinks relay.Sinks, tty bool, onStart func(*relay.Relay), onTick func()) (int, *relay.Relay, error) {
	opts := []relay.Option{relay.WithLogger(k.log), relay.WithStdoutTTY(tty)}
	if k.cfg.ChunkSize > 0 {
		opts = append(opts, relay.WithChunkSize(k.cfg.ChunkSize))
	}
	if grace := k.cfg.ExitGrace(); grace > 0 {
		opts = append(opts, relay.WithExitGrace(grace))
	}

	r, err := relay.Launch(name, args, sinks, opts...)
	if err != nil {
		return -1, nil, err
	}
	if !k.setRunning(r) {
		_ = procstat.KillTree(r.Pid())
		_ = r.Kill()
		<-r.Exited()
		return -1, r, ErrShutdown
	}
	defer k.setRunning(nil)

	if onStart != nil {
		onStart(r)
	}
	code, err := r.Pump(ctx, k.cfg.PollInterval(), onTick)
	if err != nil {
		if killErr := procstat.KillTree(r.Pid()); killErr != nil {
			k.log.Warn("Failed to kill process tree", "pid", r.Pid(), "error", killErr)
		}
		_ = r.Kill()
		return code, r, err
	}
	return code, r, nil
}

// setRunning records the current child. It refuses new children after
// Shutdown.
func (k *Kernel) setRunning(r *relay.Relay) bool {
	k.runMu.Lock()
	defer k.runMu.Unlock()
	if r != nil && k.shutdown {
		return false
	}
	k.running = r
	return true
}

func (k *Kernel) isShutdown() bool {
	k.runMu.Lock()
	defer k.runMu.Unlock()
	return k.shutdown
}

// Interrupt sends SIGINT to the running child, if any.
func (k *Kernel) Interrupt() error {
	k.runMu.Lock()
	r := k.running
	k.runMu.Unlock()

	if r == nil {
		return nil
	}
	k.log.Info("Interrupting cell", "pid", r.Pid())
	return r.Interrupt()
}

// Shutdown kills whatever is running, waits for the execution in progress to
// return and removes the session's files. Calling it again is harmless.
func (k *Kernel) Shutdown() error {
	k.runMu.Lock()
	if k.shutdown {
		k.runMu.Unlock()
		return nil
	}
	k.shutdown = true
	r := k.running
	k.runMu.Unlock()

	if r != nil {
		if err := procstat.KillTree(r.Pid()); err != nil {
			k.log.Warn("Failed to kill process tree", "pid", r.Pid(), "error", err)
		}
		_ = r.Kill()
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.closeTranscript()
	if err := k.session.Cleanup(); err != nil {
		return err
	}
	k.log.Info("Kernel shut down")
	return nil
}
