package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeProcess struct {
	pid int

	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter

	exit       chan int
	once       sync.Once
	ignoreTerm bool
	signals    atomic.Int32
	killed     atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	p := &fakeProcess{pid: pid, exit: make(chan int, 1)}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *fakeProcess) Pid() int          { return p.pid }
func (p *fakeProcess) Stdout() io.Reader { return p.outR }
func (p *fakeProcess) Stderr() io.Reader { return p.errR }
func (p *fakeProcess) Wait() (int, error) {
	return <-p.exit, nil
}

func (p *fakeProcess) Signal(os.Signal) error {
	p.signals.Add(1)
	if !p.ignoreTerm {
		p.finish(-1)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.finish(-1)
	return nil
}

func (p *fakeProcess) say(t *testing.T, line string) {
	t.Helper()
	_, err := p.outW.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (p *fakeProcess) finish(code int) {
	p.once.Do(func() {
		_ = p.outW.Close()
		_ = p.errW.Close()
		p.exit <- code
	})
}

type fakeSpawner struct {
	mu       sync.Mutex
	failNext int
	nextPID  int
	spawned  chan *fakeProcess
	ignore   bool // children ignore SIGTERM
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 100, spawned: make(chan *fakeProcess, 16)}
}

func (f *fakeSpawner) spawn(SupervisorConfig) (childProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("exec: python: not found")
	}
	f.nextPID++
	p := newFakeProcess(f.nextPID)
	p.ignoreTerm = f.ignore
	f.spawned <- p
	return p, nil
}

func (f *fakeSpawner) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-f.spawned:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no sidecar spawned")
		return nil
	}
}

func (f *fakeSpawner) assertNoSpawn(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case p := <-f.spawned:
		t.Fatalf("unexpected spawn pid=%d", p.pid)
	case <-time.After(within):
	}
}

func newTestSupervisor(sp *fakeSpawner, mutate func(*SupervisorConfig)) *Supervisor {
	cfg := SupervisorConfig{
		Command:      "python",
		Args:         []string{"services/stock_service.py"},
		Readiness:    ReadinessMarker,
		ReadyMarker:  "Running on",
		RestartDelay: 20 * time.Millisecond,
		StopTimeout:  200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := NewSupervisor(cfg, &SidecarState{}, nil)
	s.spawn = sp.spawn
	return s
}

func TestSupervisor_MarkerSetsReady(t *testing.T) {
	defer goleak.VerifyNone(t)

	sp := newFakeSpawner()
	s := newTestSupervisor(sp, nil)
	defer s.Stop()

	require.NoError(t, s.Start())
	p := sp.next(t)
	assert.False(t, s.State().Ready())

	p.say(t, "loading models...")
	assert.False(t, s.State().Ready())

	p.say(t, " * Running on http://127.0.0.1:5001")
	require.Eventually(t, s.State().Ready, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, p.pid, s.State().pid.Load())
}

func TestSupervisor_StartIsIdempotentWhileLive(t *testing.T) {
	defer goleak.VerifyNone(t)

	sp := newFakeSpawner()
	s := newTestSupervisor(sp, nil)
	defer s.Stop()

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	sp.next(t)
	sp.assertNoSpawn(t, 50*time.Millisecond)
	assert.EqualValues(t, 1, s.State().spawns.Load())
}

func TestSupervisor_RestartsOnceAfterNonZeroExit(t *testing.T) {
	defer goleak.VerifyNone(t)

	sp := newFakeSpawner()
	s := newTestSupervisor(sp, nil)
	defer s.Stop()

	require.NoError(t, s.Start())
	first := sp.next(t)
	first.say(t, "Running on port 5001")
	require.Eventually(t, s.State().Ready, time.Second, 5*time.Millisecond)

	first.finish(1)
	second := sp.next(t)
	assert.NotEqual(t, first.pid, second.pid)
	assert.False(t, s.State().Ready(), "ready must stay false until the marker reappears")

	second.say(t, "Running on port 5001")
	require.Eventually(t, s.State().Ready, time.Second, 5*time.Millisecond)

	sp.assertNoSpawn(t, 100*time.Millisecond)
	assert.EqualValues(t, 2, s.State().spawns.Load())
	assert.EqualValues(t, 1, s.State().restarts.Load())
	assert.EqualValues(t, 1, s.State().lastExit.Load())
}

func TestSupervisor_RestartWaitsForDelay(t *testing.T) {
	defer goleak.VerifyNone(t)

	const delay = 300 * time.Millisecond
	sp := newFakeSpawner()
	s := newTestSupervisor(sp, func(c *SupervisorConfig) { c.RestartDelay = delay })
	defer s.Stop()

	require.NoError(t, s.Start())
	first := sp.next(t)

	exitedAt := time.Now()
	first.finish(1)
	sp.assertNoSpawn(t, 200*time.Millisecond)

	sp.next(t)
	assert.GreaterOrEqual(t, time.Since(exitedAt), delay)
	assert.EqualValues(t, 1, s.State().restarts.Load())
}

func TestSupervisor_NoRestartOnCleanExit(t *testing.T) {
	defer goleak.VerifyNone(t)

	sp := newFakeSpawner()
	s := newTestSupervisor(sp, func(c *SupervisorConfig) { c.RestartDelay = 5 * time.Millisecond })
	defer s.Stop()

	require.NoError(t, s.Start())
	p := sp.next(t)
	p.say(t, "Running on")
	require.Eventually(t, s.State().Ready, time.Second, 5*time.Millisecond)

	p.finish(0)
	require.Eventually(t, func() bool { return !s.State().Ready() }, time.Second, 5*time.Millisecond)
	sp.assertNoSpawn(t, 100*time.Millisecond)
	assert.EqualValues(t, 0, s.State().restarts.Load())
}

func TestSupervisor_StopTerminatesChild(t *testing.T) {
	defer goleak.VerifyNone(t)

	sp := newFakeSpawner()
	s := newTestSupervisor(sp, nil)

	require.NoError(t, s.Start())
	p := sp.next(t)
	s.Stop()

	assert.EqualValues(t, 1, p.signals.Load())
	assert.False(t, p.killed.Load())
	assert.False(t, s.State().Ready())
	sp.assertNoSpawn(t, 60*time.Millisecond)

	assert.ErrorIs(t, s.Start(), ErrSupervisorStopped)
	s.Stop()
}

func TestSupervisor_StopKillsStubbornChild(t *testing.T) {
	defer goleak.VerifyNone(t)

	sp := newFakeSpawner()
	sp.ignore = true
	s := newTestSupervisor(sp, func(c *SupervisorConfig) { c.StopTimeout = 20 * time.Millisecond })

	require.NoError(t, s.Start())
	p := sp.next(t)
	s.Stop()

	assert.True(t, p.killed.Load())
}

func TestSupervisor_StopCancelsPendingRestart(t *testing.T) {
	defer goleak.VerifyNone(t)

	sp := newFakeSpawner()
	s := newTestSupervisor(sp, func(c *SupervisorConfig) { c.RestartDelay = 80 * time.Millisecond })

	require.NoError(t, s.Start())
	p := sp.next(t)
	p.finish(2)
	require.Eventually(t, func() bool { return s.State().restarts.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	sp.assertNoSpawn(t, 150*time.Millisecond)
}

func TestSupervisor_SpawnFailureIsRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	sp := newFakeSpawner()
	sp.failNext = 1
	s := newTestSupervisor(sp, nil)
	defer s.Stop()

	err := s.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	sp.next(t)
	assert.EqualValues(t, 1, s.State().restarts.Load())
}

type fakeProbe struct{ ok atomic.Bool }

func (f *fakeProbe) Health(context.Context) error {
	if f.ok.Load() {
		return nil
	}
	return errors.New("connection refused")
}

func TestSupervisor_HealthReadiness(t *testing.T) {
	defer goleak.VerifyNone(t)

	sp := newFakeSpawner()
	probe := &fakeProbe{}
	s := newTestSupervisor(sp, func(c *SupervisorConfig) {
		c.Readiness = ReadinessHealth
		c.HealthInterval = 5 * time.Millisecond
	})
	s.probe = probe

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	p := sp.next(t)
	p.say(t, "Running on") // the marker is ignored in health mode
	time.Sleep(30 * time.Millisecond)
	assert.False(t, s.State().Ready())

	probe.ok.Store(true)
	require.Eventually(t, s.State().Ready, time.Second, 5*time.Millisecond)

	probe.ok.Store(false)
	require.Eventually(t, func() bool { return !s.State().Ready() }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, p.signals.Load())
}

func TestSupervisor_ExecProcess(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	defer goleak.VerifyNone(t)

	s := NewSupervisor(SupervisorConfig{
		Command:      "sh",
		Args:         []string{"-c", "echo 'Running on http://127.0.0.1:5001'; echo oops >&2; exit 3"},
		Readiness:    ReadinessMarker,
		ReadyMarker:  "Running on",
		RestartDelay: time.Hour,
	}, &SidecarState{}, nil)
	defer s.Stop()

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return s.State().lastExit.Load() == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, s.State().Ready())
	assert.EqualValues(t, 1, s.State().restarts.Load())
}
