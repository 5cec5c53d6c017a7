package bulkexec

import (
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRank launches cmd locally (standing in for the rexec transport
// a real broker would carry) and reports its terminal state to e,
// exactly as driveRexecStream's "exit" frame handler would once a
// rank's subprocess terminates.
func runRank(e *Exec, rank int, name string, args ...string) {
	cmd := exec.Command(name, args...)
	err := cmd.Run()
	if err == nil {
		e.SetExit(rank, 0, false)
		return
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		e.SetError(rank, err)
		return
	}
	status := exitErr.Sys().(syscall.WaitStatus)
	if status.Signaled() {
		e.SetExit(rank, int(status.Signal()), true)
		return
	}
	e.SetExit(rank, status.ExitStatus(), false)
}

// TestScenarioExitCodeAggregationTakesWorstRank covers spec.md §8
// scenario 6's first case: true on ranks 0,1 and false on rank 2
// aggregates to exit code 1.
func TestScenarioExitCodeAggregationTakesWorstRank(t *testing.T) {
	e := New("rexec", []int{0, 1, 2}, Cmd{Argv: []string{"true"}}, nil, Ops{}, false)

	var wg sync.WaitGroup
	for _, r := range []int{0, 1} {
		r := r
		wg.Add(1)
		go func() { defer wg.Done(); runRank(e, r, "true") }()
	}
	wg.Add(1)
	go func() { defer wg.Done(); runRank(e, 2, "false") }()
	wg.Wait()

	assert.Equal(t, 1, e.AggregateExitCode())
	assert.Equal(t, Exited, e.State(0))
	assert.Equal(t, Exited, e.State(1))
	assert.Equal(t, Failed, e.State(2))
}

// TestScenarioExitCodeAggregationMapsSignalToShellConvention covers
// spec.md §8 scenario 6's second case: a rank killed by SIGTERM and
// ranks that exit cleanly elsewhere aggregate to 128+15=143.
func TestScenarioExitCodeAggregationMapsSignalToShellConvention(t *testing.T) {
	e := New("rexec", []int{0, 1}, Cmd{Argv: []string{"true"}}, nil, Ops{}, false)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); runRank(e, 1, "true") }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cmd := exec.Command("sleep", "5")
		require.NoError(t, cmd.Start())
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, cmd.Process.Signal(syscall.SIGTERM))
		err := cmd.Wait()
		exitErr, ok := err.(*exec.ExitError)
		require.True(t, ok)
		status := exitErr.Sys().(syscall.WaitStatus)
		require.True(t, status.Signaled())
		e.SetExit(0, int(status.Signal()), true)
	}()
	wg.Wait()

	assert.Equal(t, 128+15, e.AggregateExitCode())
}

// TestScenarioOnCompleteFiresAfterAllRanksReport confirms the
// aggregated OnComplete callback fires exactly once, after every rank
// in the fan-out has reported a terminal state, matching the
// all-ranks-accounted-for contract scenario 6 exercises implicitly.
func TestScenarioOnCompleteFiresAfterAllRanksReport(t *testing.T) {
	var completions int
	e := New("rexec", []int{0, 1, 2}, Cmd{Argv: []string{"true"}}, nil, Ops{
		OnComplete: func() { completions++ },
	}, false)

	var wg sync.WaitGroup
	for _, r := range []int{0, 1} {
		r := r
		wg.Add(1)
		go func() { defer wg.Done(); runRank(e, r, "true") }()
	}
	wg.Add(1)
	go func() { defer wg.Done(); runRank(e, 2, "false") }()
	wg.Wait()

	assert.Equal(t, 1, completions)
}
