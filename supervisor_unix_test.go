//go:build !windows

package main

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// processGone reports whether pid has exited. Zombies count as gone since
// nothing may reap them inside a container.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	// pid (comm) state ...
	fields := strings.Fields(string(b[strings.LastIndexByte(string(b), ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil && pid > 0
	}, 5*time.Second, 10*time.Millisecond)
	return pid
}

func forkingSupervisor(t *testing.T, script string) *Supervisor {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return NewSupervisor(SupervisorConfig{
		Command:      "sh",
		Args:         []string{"-c", script},
		Readiness:    ReadinessMarker,
		ReadyMarker:  "Running on",
		RestartDelay: time.Hour,
		StopTimeout:  200 * time.Millisecond,
	}, &SidecarState{}, nil)
}

func TestSupervisor_StopTerminatesForkedWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	pidFile := filepath.Join(t.TempDir(), "worker.pid")
	s := forkingSupervisor(t, `sleep 60 & echo $! > "`+pidFile+`"; echo 'Running on http://127.0.0.1:5001'; exec sleep 60`)

	require.NoError(t, s.Start())
	require.Eventually(t, s.State().Ready, 5*time.Second, 10*time.Millisecond)
	worker := readPID(t, pidFile)

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, s.State().Ready())
	require.Eventually(t, func() bool { return processGone(worker) }, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_DetectsCrashWhileWorkerHoldsPipes(t *testing.T) {
	defer goleak.VerifyNone(t)

	pidFile := filepath.Join(t.TempDir(), "worker.pid")
	s := forkingSupervisor(t, `sleep 60 & echo $! > "`+pidFile+`"; echo 'Running on http://127.0.0.1:5001'; sleep 0.2; exit 4`)
	defer s.Stop()

	require.NoError(t, s.Start())
	worker := readPID(t, pidFile)

	require.Eventually(t, func() bool { return s.State().lastExit.Load() == 4 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, s.State().Ready())
	assert.EqualValues(t, 1, s.State().restarts.Load())
	require.Eventually(t, func() bool { return processGone(worker) }, 2*time.Second, 10*time.Millisecond)
}
