/*
Package supervisor owns the lifecycle of the supervised server process.

All transitions are serialized by the Supervisor; the process handle never leaves it.
Transitions are not atomic with respect to State(): a caller may observe Starting while
the process is still being launched, and Stopping while it is shutting down.
*/
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/subserver/internal/config"
	"github.com/guseggert/subserver/internal/sysmem"
	"go.uber.org/zap"
)

// StopLine is written to the server's stdin to ask it to shut down.
const StopLine = "stop\n"

// how long to wait for a killed process to be reaped before giving up on it
const defaultReapTimeout = 5 * time.Second

// IdentitySource provides the currently configured core artifact.
type IdentitySource interface {
	Snapshot() config.Identity
}

type handle struct {
	cmd *exec.Cmd
	// stdin is nil if the process has no input stream we control
	stdin  io.WriteCloser
	exited chan struct{}
}

type Supervisor struct {
	log         *zap.SugaredLogger
	identity    IdentitySource
	dir         string
	buildCmd    CommandBuilder
	totalMemory func() (uint64, error)
	stopTimeout time.Duration
	hook        func(from, to State)

	killProcess func(p *os.Process) error
	reapTimeout time.Duration

	// opMut serializes whole transitions, mut guards state and handle.
	// mut is never held across blocking calls.
	opMut  sync.Mutex
	mut    sync.Mutex
	state  State
	handle *handle
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

func WithCommandBuilder(b CommandBuilder) Option {
	return func(s *Supervisor) {
		s.buildCmd = b
	}
}

// WithStopTimeout sets how long to wait for the server to exit after the stop line before killing it.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.stopTimeout = d
	}
}

func WithTotalMemory(f func() (uint64, error)) Option {
	return func(s *Supervisor) {
		s.totalMemory = f
	}
}

// WithTransitionHook registers a function called on every state change.
// It runs while the supervisor's state lock is held, so it must not call back into the Supervisor.
func WithTransitionHook(f func(from, to State)) Option {
	return func(s *Supervisor) {
		s.hook = f
	}
}

// New builds a Supervisor that launches the identity's core artifact from dir.
func New(identity IdentitySource, dir string, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:         zap.NewNop().Sugar(),
		identity:    identity,
		dir:         dir,
		buildCmd:    JavaCommand("java"),
		totalMemory: sysmem.Total,
		stopTimeout: 1 * time.Minute,
		killProcess: (*os.Process).Kill,
		reapTimeout: defaultReapTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns a snapshot of the current state.
func (s *Supervisor) State() State {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.state
}

// setState must be called with mut held.
func (s *Supervisor) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	if to != from.Next() {
		s.log.DPanicw("invalid state transition", "From", from, "To", to)
	}
	s.state = to
	if s.hook != nil {
		s.hook(from, to)
	}
}

// Start launches the server if it is stopped, otherwise it returns the current state and does nothing.
//
// If the launch fails, the state stays at Starting and later calls to Start are no-ops.
func (s *Supervisor) Start() (State, error) {
	s.opMut.Lock()
	defer s.opMut.Unlock()

	s.mut.Lock()
	if s.state != Stopped {
		st := s.state
		s.mut.Unlock()
		s.log.Debugw("ignoring start", "State", st)
		return st, nil
	}
	s.setState(Starting)
	s.mut.Unlock()

	h, err := s.launch()
	if err != nil {
		s.log.Errorw("server launch failed", "Error", err)
		return s.State(), fmt.Errorf("launching server: %w", err)
	}

	s.mut.Lock()
	s.handle = h
	s.setState(Running)
	s.mut.Unlock()

	s.log.Infow("server started", "PID", h.cmd.Process.Pid)
	return Running, nil
}

func (s *Supervisor) launch() (*handle, error) {
	total, err := s.totalMemory()
	if err != nil {
		return nil, fmt.Errorf("reading total memory: %w", err)
	}
	id := s.identity.Snapshot()
	cmd := s.buildCmd(LaunchSpec{
		Dir:      s.dir,
		Artifact: id.ServerJar,
		Heap:     HeapFor(total),
	})

	h := &handle{cmd: cmd, exited: make(chan struct{})}
	if cmd.Stdin == nil {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("opening stdin pipe: %w", err)
		}
		h.stdin = stdin
	}

	s.log.Infow("launching server", "Args", cmd.Args, "Dir", cmd.Dir)
	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting %q: %w", cmd.Path, err)
	}

	go s.watch(h)
	return h, nil
}

// watch reaps the process. If the process exits while still owned by the supervisor,
// i.e. no Stop is in progress, the state is walked to Stopped.
func (s *Supervisor) watch(h *handle) {
	err := h.cmd.Wait()
	close(h.exited)

	s.opMut.Lock()
	defer s.opMut.Unlock()
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.handle != h {
		s.log.Debugw("server process reaped", "PID", h.cmd.Process.Pid, "Error", err)
		return
	}
	s.log.Warnw("server exited on its own", "PID", h.cmd.Process.Pid, "ExitCode", h.cmd.ProcessState.ExitCode(), "Error", err)
	s.handle = nil
	if s.state == Running {
		s.setState(Stopping)
	}
	s.setState(Stopped)
}

// Stop shuts the server down if it is running, otherwise it returns the current state and does nothing.
//
// The stop line is written to the server's stdin and the server is given the stop timeout to exit.
// If there is no stdin, the write fails, the timeout elapses or ctx is done, the process is killed.
// If the kill fails, or the killed process is not reaped within a few seconds, the error is returned
// and the state stays at Stopping until the process exits.
func (s *Supervisor) Stop(ctx context.Context) (State, error) {
	s.opMut.Lock()
	defer s.opMut.Unlock()

	s.mut.Lock()
	if s.state != Running {
		st := s.state
		s.mut.Unlock()
		s.log.Debugw("ignoring stop", "State", st)
		return st, nil
	}
	h := s.handle
	s.handle = nil
	s.setState(Stopping)
	s.mut.Unlock()

	err := s.terminate(ctx, h)

	s.mut.Lock()
	defer s.mut.Unlock()
	if err != nil {
		// give the handle back so the watcher can finish the transition once the process is gone
		s.handle = h
		s.log.Errorw("server stop failed", "PID", h.cmd.Process.Pid, "Error", err)
		return s.state, err
	}
	s.setState(Stopped)
	s.log.Infow("server stopped", "PID", h.cmd.Process.Pid)
	return s.state, nil
}

func (s *Supervisor) terminate(ctx context.Context, h *handle) error {
	pid := h.cmd.Process.Pid
	if h.stdin == nil {
		s.log.Warnw("server has no stdin, killing", "PID", pid)
		return s.kill(h)
	}

	_, err := io.WriteString(h.stdin, StopLine)
	h.stdin.Close()
	if err != nil {
		s.log.Warnw("writing stop line failed, killing", "PID", pid, "Error", err)
		return s.kill(h)
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-h.exited:
		return nil
	case <-timer.C:
		s.log.Warnw("server did not exit after stop line, killing", "PID", pid, "Timeout", s.stopTimeout)
	case <-ctx.Done():
		s.log.Warnw("stop interrupted, killing", "PID", pid, "Error", ctx.Err())
	}
	return s.kill(h)
}

func (s *Supervisor) kill(h *handle) error {
	pid := h.cmd.Process.Pid
	err := s.killProcess(h.cmd.Process)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing server process %d: %w", pid, err)
	}

	timer := time.NewTimer(s.reapTimeout)
	defer timer.Stop()
	select {
	case <-h.exited:
		return nil
	case <-timer.C:
		return fmt.Errorf("server process %d not reaped %s after kill", pid, s.reapTimeout)
	}
}

// Restart stops the server and, if that leaves it stopped, starts it again.
// A server that was not running is simply started.
func (s *Supervisor) Restart(ctx context.Context) (State, error) {
	st, err := s.Stop(ctx)
	if err != nil {
		return st, err
	}
	if st != Stopped {
		return st, nil
	}
	return s.Start()
}
