package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

var ErrSupervisorStopped = errors.New("supervisor stopped")

// ReadyChecker is what request handlers consult before calling the sidecar.
type ReadyChecker interface {
	Ready() bool
}

// SidecarState is written only by the supervisor and read by everyone else.
type SidecarState struct {
	ready    atomic.Bool
	pid      atomic.Int64
	spawns   atomic.Int64
	restarts atomic.Int64
	lastExit atomic.Int64
}

func (s *SidecarState) Ready() bool { return s.ready.Load() }

func (s *SidecarState) Snapshot() map[string]any {
	return map[string]any{
		"ready":     s.ready.Load(),
		"pid":       s.pid.Load(),
		"spawns":    s.spawns.Load(),
		"restarts":  s.restarts.Load(),
		"last_exit": s.lastExit.Load(),
	}
}

// childProcess is the slice of a running OS process the supervisor needs.
type childProcess interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process itself exits, then closes Stdout and
	// Stderr. Output held open by descendants does not delay it.
	Wait() (exitCode int, err error)
	Signal(sig os.Signal) error
	Kill() error
}

type spawnFunc func(cfg SupervisorConfig) (childProcess, error)

type SupervisorConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	Readiness      string // ReadinessMarker | ReadinessHealth
	ReadyMarker    string
	HealthInterval time.Duration
	RestartDelay   time.Duration
	StopTimeout    time.Duration

	Log *Logger
}

// HealthProber is polled in health readiness mode.
type HealthProber interface {
	Health(ctx context.Context) error
}

type child struct {
	gen  int64
	proc childProcess
	done chan struct{}
}

// Supervisor keeps a single sidecar process alive for the lifetime of the gateway.
type Supervisor struct {
	cfg   SupervisorConfig
	state *SidecarState
	spawn spawnFunc
	probe HealthProber
	log   *Logger

	mu           sync.Mutex
	cur          *child
	gen          int64
	stopped      bool
	restartTimer *time.Timer

	wg sync.WaitGroup
}

func NewSupervisor(cfg SupervisorConfig, state *SidecarState, probe HealthProber) *Supervisor {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 2 * time.Second
	}
	if cfg.Readiness == "" {
		cfg.Readiness = ReadinessMarker
	}
	if cfg.Log == nil {
		cfg.Log = NewNopLogger()
	}
	return &Supervisor{
		cfg:   cfg,
		state: state,
		spawn: spawnExec,
		probe: probe,
		log:   cfg.Log,
	}
}

func (s *Supervisor) State() *SidecarState { return s.state }

// Start launches the child unless one is already live. A failed spawn is
// handled like a crash: the error is returned and a restart is scheduled.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Supervisor) startLocked() error {
	if s.stopped {
		return ErrSupervisorStopped
	}
	if s.cur != nil {
		return nil
	}
	s.state.ready.Store(false)

	s.log.Infof("starting sidecar: %s %s", s.cfg.Command, strings.Join(s.cfg.Args, " "))
	proc, err := s.spawn(s.cfg)
	if err != nil {
		s.log.Errorf("sidecar spawn failed: %v", err)
		s.state.lastExit.Store(-1)
		s.scheduleRestartLocked()
		return fmt.Errorf("spawn sidecar: %w", err)
	}

	s.gen++
	c := &child{gen: s.gen, proc: proc, done: make(chan struct{})}
	s.cur = c
	s.state.pid.Store(int64(proc.Pid()))
	s.state.spawns.Add(1)
	s.log.Infof("sidecar started pid=%d", proc.Pid())

	s.wg.Add(1)
	go s.watch(c)
	return nil
}

func (s *Supervisor) watch(c *child) {
	defer s.wg.Done()

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		s.scanStdout(c)
	}()
	go func() {
		defer streams.Done()
		s.scanStderr(c)
	}()

	code, err := c.proc.Wait()
	if err != nil {
		s.log.Warnf("sidecar wait: %v", err)
	}
	streams.Wait()
	s.exited(c, code)
}

func (s *Supervisor) scanStdout(c *child) {
	sc := bufio.NewScanner(c.proc.Stdout())
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		s.log.Infof("sidecar stdout: %s", line)
		if s.cfg.Readiness == ReadinessMarker && strings.Contains(line, s.cfg.ReadyMarker) {
			s.markReady(c, true)
		}
	}
	// keep the pipe flowing after an oversized line
	_, _ = io.Copy(io.Discard, c.proc.Stdout())
}

func (s *Supervisor) scanStderr(c *child) {
	sc := bufio.NewScanner(c.proc.Stderr())
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		s.log.Warnf("sidecar stderr: %s", sc.Text())
	}
	_, _ = io.Copy(io.Discard, c.proc.Stderr())
}

// markReady ignores results that belong to an earlier child.
func (s *Supervisor) markReady(c *child, ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != c {
		return
	}
	if prev := s.state.ready.Swap(ready); prev != ready {
		if ready {
			s.log.Infof("sidecar is ready (pid=%d)", c.proc.Pid())
		} else {
			s.log.Warnf("sidecar is not ready (pid=%d)", c.proc.Pid())
		}
	}
}

func (s *Supervisor) exited(c *child, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(c.done)

	if s.cur == c {
		s.cur = nil
	}
	s.state.ready.Store(false)
	s.state.pid.Store(0)
	s.state.lastExit.Store(int64(code))
	s.log.Infof("sidecar exited with code %d", code)

	if code == 0 || s.stopped {
		return
	}
	s.scheduleRestartLocked()
}

func (s *Supervisor) scheduleRestartLocked() {
	if s.stopped || s.restartTimer != nil {
		return
	}
	s.log.Infof("restarting sidecar in %s", s.cfg.RestartDelay)
	s.state.restarts.Add(1)
	s.restartTimer = time.AfterFunc(s.cfg.RestartDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.restartTimer = nil
		_ = s.startLocked()
	})
}

// Stop terminates the child and waits for it. Safe to call more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	c := s.cur
	s.mu.Unlock()

	if c != nil {
		s.log.Infof("stopping sidecar pid=%d", c.proc.Pid())
		if err := c.proc.Signal(syscall.SIGTERM); err != nil {
			s.log.Debugf("sidecar SIGTERM: %v", err)
		}
		select {
		case <-c.done:
		case <-time.After(s.cfg.StopTimeout):
			s.log.Warnf("sidecar did not exit within %s, killing", s.cfg.StopTimeout)
			_ = c.proc.Kill()
			<-c.done
		}
	}
	s.wg.Wait()
	s.state.ready.Store(false)
}

// Run starts the child, polls health in health mode, and stops on ctx done.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(); err != nil && errors.Is(err, ErrSupervisorStopped) {
		return nil
	}
	defer s.Stop()

	if s.cfg.Readiness != ReadinessHealth || s.probe == nil {
		<-ctx.Done()
		return nil
	}

	t := time.NewTicker(s.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.probeOnce(ctx)
		}
	}
}

func (s *Supervisor) probeOnce(ctx context.Context) {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()
	if c == nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.HealthInterval)
	err := s.probe.Health(pctx)
	cancel()
	if err != nil {
		s.log.Debugf("sidecar health probe: %v", err)
	}
	s.markReady(c, err == nil)
}

// -------------------- os/exec backed child --------------------

// pipeDrainDelay bounds how long Wait keeps copying output after the child
// exits while a descendant still holds the pipes.
const pipeDrainDelay = time.Second

type execProcess struct {
	cmd        *exec.Cmd
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
}

func spawnExec(cfg SupervisorConfig) (childProcess, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	setProcessGroup(cmd)

	p := &execProcess{cmd: cmd}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	cmd.Stdout = p.outW
	cmd.Stderr = p.errW
	cmd.WaitDelay = pipeDrainDelay

	if err := cmd.Start(); err != nil {
		_ = p.outW.Close()
		_ = p.errW.Close()
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	return p, nil
}

func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.outR }
func (p *execProcess) Stderr() io.Reader { return p.errR }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	reapGroup(p.cmd.Process)
	_ = p.outW.Close()
	_ = p.errW.Close()

	st := p.cmd.ProcessState
	if st == nil {
		return -1, err
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		return st.ExitCode(), err
	}
	// -1 when terminated by a signal; still a non-zero exit for restart purposes.
	return st.ExitCode(), nil
}

func (p *execProcess) Signal(sig os.Signal) error {
	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}
	return signalGroup(p.cmd.Process, sysSig)
}

func (p *execProcess) Kill() error { return signalGroup(p.cmd.Process, syscall.SIGKILL) }
