package controller

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mpc-orchestrator/internal/archive"
	"github.com/ChuLiYu/mpc-orchestrator/internal/catalog"
	"github.com/ChuLiYu/mpc-orchestrator/internal/executor"
	"github.com/ChuLiYu/mpc-orchestrator/internal/metrics"
	"github.com/ChuLiYu/mpc-orchestrator/internal/notify"
	"github.com/ChuLiYu/mpc-orchestrator/internal/statemachine"
	"github.com/ChuLiYu/mpc-orchestrator/internal/storage/journal"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var radar = map[string]interface{}{"type": "radar"}

func testNetConfigs() types.NetConfigSet {
	return types.NewNetConfigSet([]types.NetConfig{
		{ID: "demo", Parties: 3, ComputationTypes: []string{"radar", "granger"}},
	})
}

// createTestController creates a Controller around exec with test defaults
func createTestController(t *testing.T, exec executor.Executor, mutate ...func(*Config, *Deps)) *Controller {
	t.Helper()

	config := Config{
		ResultBaseURL:    "https://xor.example",
		PhaseTimeout:     2 * time.Second,
		SubscriberBuffer: 32,
	}
	deps := Deps{
		Executor:   exec,
		NetConfigs: testNetConfigs(),
		Catalog: catalog.NewStatic([]catalog.Dataset{
			{OwnerID: 0, Name: "radar_a", Headers: []string{"t", "x"}},
		}),
	}
	for _, fn := range mutate {
		fn(&config, &deps)
	}

	ctrl, err := NewController(config, deps)
	require.NoError(t, err)
	t.Cleanup(ctrl.Stop)
	return ctrl
}

func fastExecutor() executor.Executor {
	return &executor.Simulated{Delay: time.Millisecond}
}

// collect reads events until a terminal event arrives or the timeout passes
func collect(t *testing.T, sub notify.Subscription, timeout time.Duration) []types.Event {
	t.Helper()
	var out []types.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev)
			if ev.Kind.Terminal() {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event, got %v", kinds(out))
			return out
		}
	}
}

func kinds(events []types.Event) []types.EventKind {
	out := make([]types.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// waitForState waits for a job to reach the given state
func waitForState(t *testing.T, ctrl *Controller, id types.JobID, want types.JobState) types.Job {
	t.Helper()
	var job types.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = ctrl.GetJob(context.Background(), id)
		return err == nil && job.State == want
	}, 3*time.Second, 2*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

// gatedExecutor blocks each phase until its gate is released
type gatedExecutor struct {
	mu      sync.Mutex
	gates   map[types.Phase]chan struct{}
	calls   map[types.Phase]int
	started chan types.Phase
}

func newGatedExecutor() *gatedExecutor {
	g := &gatedExecutor{
		gates:   make(map[types.Phase]chan struct{}),
		calls:   make(map[types.Phase]int),
		started: make(chan types.Phase, 16),
	}
	for _, s := range statemachine.Steps {
		g.gates[s.Phase] = make(chan struct{})
	}
	return g
}

func (g *gatedExecutor) Execute(ctx context.Context, phase types.Phase, job types.Job, _ []types.Artifact) (executor.Output, error) {
	g.mu.Lock()
	g.calls[phase]++
	gate := g.gates[phase]
	g.mu.Unlock()

	g.started <- phase
	select {
	case <-gate:
	case <-ctx.Done():
		return executor.Output{}, ctx.Err()
	}
	return executor.Output{Artifact: types.Artifact{Ref: string(job.ID)}, Elapsed: time.Millisecond}, nil
}

func (g *gatedExecutor) release(phase types.Phase) { close(g.gates[phase]) }

func (g *gatedExecutor) releaseAll() {
	for _, s := range statemachine.Steps {
		select {
		case <-g.gates[s.Phase]:
		default:
			close(g.gates[s.Phase])
		}
	}
}

func (g *gatedExecutor) callCount(phase types.Phase) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[phase]
}

func (g *gatedExecutor) waitStarted(t *testing.T, want types.Phase) {
	t.Helper()
	select {
	case got := <-g.started:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("phase %s never started", want)
	}
}

// ============================================================================
// Scenario Tests
// ============================================================================

func TestRadarComputationRunsAllPhases(t *testing.T) {
	ctrl := createTestController(t, fastExecutor())
	ctx := context.Background()

	job, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, types.StateCreated, job.State)

	sub, _, err := ctrl.Subscribe(ctx, job.ID, "conn-1")
	require.NoError(t, err)

	validated, err := ctrl.SubmitComputation(ctx, job.ID, radar)
	require.NoError(t, err)
	assert.Equal(t, types.StateValidated, validated.State)

	events := collect(t, sub, 3*time.Second)
	assert.Equal(t, []types.EventKind{
		types.EventCompileCompleted,
		types.EventOfflineCompleted,
		types.EventPreprocessingCompleted,
		types.EventOnlineCompleted,
		types.EventPostprocessingCompleted,
		types.EventResultAvailable,
	}, kinds(events))
	for i, ev := range events {
		assert.GreaterOrEqual(t, ev.ElapsedMs, int64(0))
		assert.Equal(t, uint64(i+1), ev.Seq)
	}

	result := events[len(events)-1]
	assert.Equal(t, "https://xor.example/result/"+string(job.ID), result.ResultLocator)

	final, err := ctrl.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateClosed, final.State)
	assert.Contains(t, final.ResultLocator, string(job.ID))
	require.Len(t, final.Phases, len(statemachine.Steps))
	for i, rec := range final.Phases {
		assert.Equal(t, statemachine.Steps[i].Phase, rec.Phase)
		assert.Equal(t, types.PhaseSucceeded, rec.Status)
	}
}

func TestMalformedParametersFailWithoutPhases(t *testing.T) {
	exec := newGatedExecutor()
	ctrl := createTestController(t, exec)
	ctx := context.Background()

	job, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)
	sub, _, err := ctrl.Subscribe(ctx, job.ID, "conn-1")
	require.NoError(t, err)

	failed, err := ctrl.SubmitComputation(ctx, job.ID, map[string]interface{}{"type": 42})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidationFailed)
	assert.Equal(t, types.KindValidationFailed, types.KindOf(err))
	assert.Equal(t, types.StateFailed, failed.State)
	assert.Equal(t, types.PhaseValidation, failed.FailedPhase)
	assert.Empty(t, failed.Phases)

	events := collect(t, sub, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventFailed, events[0].Kind)
	assert.Equal(t, types.KindValidationFailed, events[0].ErrorKind)

	assert.Equal(t, 0, exec.callCount(types.PhaseCompile))

	// a failed job accepts no further submission
	_, err = ctrl.SubmitComputation(ctx, job.ID, radar)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestUnknownDatasetFailsValidation(t *testing.T) {
	ctrl := createTestController(t, fastExecutor())
	ctx := context.Background()

	job, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)

	params := map[string]interface{}{
		"type":     "radar",
		"datasets": []interface{}{map[string]interface{}{"ownerId": 0.0, "name": "missing"}},
	}
	_, err = ctrl.SubmitComputation(ctx, job.ID, params)
	assert.ErrorIs(t, err, types.ErrValidationFailed)
}

func TestExecutorFailureStopsProgression(t *testing.T) {
	tests := []struct {
		name     string
		exec     executor.Executor
		timeout  time.Duration
		wantKind types.FailureKind
	}{
		{
			name:     "resource failure",
			exec:     &executor.Simulated{FailPhase: types.PhaseOnline, FailKind: types.FailureResource},
			wantKind: types.FailureResource,
		},
		{
			name:     "phase timeout",
			exec:     &executor.Simulated{Delay: time.Second},
			timeout:  20 * time.Millisecond,
			wantKind: types.FailureTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := createTestController(t, tt.exec, func(c *Config, _ *Deps) {
				if tt.timeout > 0 {
					c.PhaseTimeout = tt.timeout
				}
			})
			ctx := context.Background()

			job, err := ctrl.CreateJob(ctx, "demo")
			require.NoError(t, err)
			sub, _, err := ctrl.Subscribe(ctx, job.ID, "conn-1")
			require.NoError(t, err)
			_, err = ctrl.SubmitComputation(ctx, job.ID, radar)
			require.NoError(t, err)

			events := collect(t, sub, 3*time.Second)
			last := events[len(events)-1]
			assert.Equal(t, types.EventFailed, last.Kind)
			assert.Equal(t, types.KindExecutorFailure, last.ErrorKind)
			assert.Equal(t, tt.wantKind, last.ExecutorKind)

			final := waitForState(t, ctrl, job.ID, types.StateFailed)
			assert.Equal(t, last.Phase, final.FailedPhase)
			assert.Equal(t, tt.wantKind, final.ExecutorKind)
			assert.Empty(t, final.ResultLocator)

			// recorded phases are a strict prefix of the canonical order
			for i, rec := range final.Phases {
				assert.Equal(t, statemachine.Steps[i].Phase, rec.Phase)
			}
			assert.Equal(t, types.PhaseFailed, final.Phases[len(final.Phases)-1].Status)

			_, err = ctrl.CloseJob(ctx, job.ID)
			assert.ErrorIs(t, err, types.ErrInvalidTransition)
		})
	}
}

func TestJobsFromSameConfigAreIndependent(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, phase types.Phase, job types.Job, _ []types.Artifact) (executor.Output, error) {
		if job.Parameters["fail"] == true && phase == types.PhaseOffline {
			return executor.Output{}, types.NewExecutorError(phase, types.FailureInternal, errors.New("engine crashed"))
		}
		time.Sleep(time.Millisecond)
		return executor.Output{Elapsed: time.Millisecond}, nil
	})
	ctrl := createTestController(t, exec)
	ctx := context.Background()

	bad, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)
	good, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)
	assert.NotEqual(t, bad.ID, good.ID)

	badSub, _, err := ctrl.Subscribe(ctx, bad.ID, "conn")
	require.NoError(t, err)
	goodSub, _, err := ctrl.Subscribe(ctx, good.ID, "conn")
	require.NoError(t, err)

	_, err = ctrl.SubmitComputation(ctx, bad.ID, map[string]interface{}{"type": "radar", "fail": true})
	require.NoError(t, err)
	_, err = ctrl.SubmitComputation(ctx, good.ID, radar)
	require.NoError(t, err)

	badEvents := collect(t, badSub, 3*time.Second)
	goodEvents := collect(t, goodSub, 3*time.Second)

	assert.Equal(t, []types.EventKind{types.EventCompileCompleted, types.EventFailed}, kinds(badEvents))
	assert.Len(t, goodEvents, 6)
	for _, ev := range goodEvents {
		assert.Equal(t, good.ID, ev.JobID)
	}
	waitForState(t, ctrl, good.ID, types.StateClosed)
	waitForState(t, ctrl, bad.ID, types.StateFailed)
}

func TestDuplicateSubmitDispatchesCompileOnce(t *testing.T) {
	exec := newGatedExecutor()
	ctrl := createTestController(t, exec)
	ctx := context.Background()

	job, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ctrl.SubmitComputation(ctx, job.ID, radar)
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else {
				assert.ErrorIs(t, err, types.ErrInvalidTransition)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	exec.waitStarted(t, types.PhaseCompile)
	exec.releaseAll()
	waitForState(t, ctrl, job.ID, types.StateClosed)
	assert.Equal(t, 1, exec.callCount(types.PhaseCompile))
}

func TestCloseWhileRunningSkipsNextPhase(t *testing.T) {
	exec := newGatedExecutor()
	ctrl := createTestController(t, exec)
	ctx := context.Background()

	job, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)
	sub, _, err := ctrl.Subscribe(ctx, job.ID, "conn")
	require.NoError(t, err)
	_, err = ctrl.SubmitComputation(ctx, job.ID, radar)
	require.NoError(t, err)

	exec.waitStarted(t, types.PhaseCompile)
	pending, err := ctrl.CloseJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompiling, pending.State)
	assert.True(t, pending.CloseRequested)

	exec.release(types.PhaseCompile)
	final := waitForState(t, ctrl, job.ID, types.StateClosed)

	require.Len(t, final.Phases, 1)
	assert.Equal(t, types.PhaseSucceeded, final.Phases[0].Status)
	assert.Empty(t, final.ResultLocator)
	assert.Equal(t, 0, exec.callCount(types.PhaseOffline))

	// the compile completion still reaches the subscriber
	select {
	case ev := <-sub.C:
		assert.Equal(t, types.EventCompileCompleted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("compile event not delivered")
	}

	// closing again is harmless
	again, err := ctrl.CloseJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateClosed, again.State)
	exec.releaseAll()
}

func TestCloseBetweenPhases(t *testing.T) {
	ctrl := createTestController(t, fastExecutor())
	ctx := context.Background()

	job, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)
	closed, err := ctrl.CloseJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateClosed, closed.State)

	_, err = ctrl.SubmitComputation(ctx, job.ID, radar)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestResubscribeDeliversNoDuplicates(t *testing.T) {
	exec := newGatedExecutor()
	ctrl := createTestController(t, exec)
	ctx := context.Background()

	job, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)
	first, _, err := ctrl.Subscribe(ctx, job.ID, "conn")
	require.NoError(t, err)
	_, err = ctrl.SubmitComputation(ctx, job.ID, radar)
	require.NoError(t, err)

	exec.waitStarted(t, types.PhaseCompile)
	exec.release(types.PhaseCompile)
	ev := <-first.C
	assert.Equal(t, types.EventCompileCompleted, ev.Kind)

	// detached while offline completes
	exec.waitStarted(t, types.PhaseOffline)
	assert.True(t, ctrl.Unsubscribe(job.ID, "conn"))
	exec.release(types.PhaseOffline)
	exec.waitStarted(t, types.PhasePreprocessing)

	second, snapshot, err := ctrl.Subscribe(ctx, job.ID, "conn")
	require.NoError(t, err)
	assert.Equal(t, types.StatePreprocessing, snapshot.State)
	assert.Len(t, snapshot.Phases, 3, "missed offline result is visible in the registry")

	exec.releaseAll()
	events := collect(t, second, 3*time.Second)
	assert.Equal(t, []types.EventKind{
		types.EventPreprocessingCompleted,
		types.EventOnlineCompleted,
		types.EventPostprocessingCompleted,
		types.EventResultAvailable,
	}, kinds(events))
	assert.Greater(t, events[0].Seq, ev.Seq+1)
}

// ============================================================================
// Retention / Archive / Journal Tests
// ============================================================================

func TestRetentionArchivesAndJournals(t *testing.T) {
	dir := t.TempDir()
	arch, err := archive.NewManager(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	jr, err := journal.Open(filepath.Join(dir, "journal.log"), true)
	require.NoError(t, err)

	ctrl := createTestController(t, fastExecutor(), func(c *Config, d *Deps) {
		c.Retention = 30 * time.Millisecond
		d.Archive = arch
		d.Journal = jr
		d.Metrics = metrics.NewCollector(prometheus.NewRegistry())
	})
	ctx := context.Background()

	job, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)
	_, err = ctrl.SubmitComputation(ctx, job.ID, radar)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return arch.Exists(job.ID) }, 3*time.Second, 5*time.Millisecond)

	// destroyed: subscribing fails, but polling falls back to the archive
	_, _, err = ctrl.Subscribe(ctx, job.ID, "late")
	assert.ErrorIs(t, err, types.ErrNotFound)
	archived, err := ctrl.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateClosed, archived.State)
	assert.NotEmpty(t, archived.ResultLocator)

	var entries []journal.EntryType
	require.Eventually(t, func() bool {
		entries = entries[:0]
		err := journal.ReplayFile(jr.Path(), func(e journal.Entry) error {
			if e.JobID == job.ID {
				entries = append(entries, e.Type)
			}
			return nil
		})
		return err == nil && len(entries) > 0 && entries[len(entries)-1] == journal.EntryDestroyed
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, journal.EntryCreated, entries[0])
	assert.Equal(t, journal.EntryValidated, entries[1])
	assert.Contains(t, entries, journal.EntryPhaseCompleted)
	assert.Equal(t, journal.EntryClosed, entries[len(entries)-2])
}

// journalTypes returns the journal entry types of one job in append order
func journalTypes(t *testing.T, path string, id types.JobID) []journal.EntryType {
	t.Helper()
	var entries []journal.EntryType
	require.NoError(t, journal.ReplayFile(path, func(e journal.Entry) error {
		if e.JobID == id {
			entries = append(entries, e.Type)
		}
		return nil
	}))
	return entries
}

func indexOf(entries []journal.EntryType, want journal.EntryType) int {
	for i, e := range entries {
		if e == want {
			return i
		}
	}
	return -1
}

func TestTerminalEventDeliveredBeforeDestroy(t *testing.T) {
	tests := []struct {
		name     string
		exec     executor.Executor
		wantKind types.EventKind
		wantType journal.EntryType
	}{
		{
			name:     "result available",
			exec:     fastExecutor(),
			wantKind: types.EventResultAvailable,
			wantType: journal.EntryClosed,
		},
		{
			name:     "executor failure",
			exec:     &executor.Simulated{FailPhase: types.PhaseOffline, FailKind: types.FailureResource},
			wantKind: types.EventFailed,
			wantType: journal.EntryFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jr, err := journal.Open(filepath.Join(t.TempDir(), "journal.log"), true)
			require.NoError(t, err)
			ctrl := createTestController(t, tt.exec, func(c *Config, d *Deps) {
				c.Retention = time.Nanosecond
				d.Journal = jr
			})
			ctx := context.Background()

			for i := 0; i < 20; i++ {
				job, err := ctrl.CreateJob(ctx, "demo")
				require.NoError(t, err)
				sub, _, err := ctrl.Subscribe(ctx, job.ID, "conn")
				require.NoError(t, err)
				_, err = ctrl.SubmitComputation(ctx, job.ID, radar)
				require.NoError(t, err)

				events := collect(t, sub, 3*time.Second)
				require.NotEmpty(t, events, "job %s", job.ID)
				assert.Equal(t, tt.wantKind, events[len(events)-1].Kind, "job %s", job.ID)

				var entries []journal.EntryType
				require.Eventually(t, func() bool {
					entries = journalTypes(t, jr.Path(), job.ID)
					return len(entries) > 0 && entries[len(entries)-1] == journal.EntryDestroyed
				}, 3*time.Second, 2*time.Millisecond)
				assert.Equal(t, tt.wantType, entries[len(entries)-2])
			}
		})
	}
}

func TestDeferredCloseJournalsRequestBeforeClosed(t *testing.T) {
	exec := newGatedExecutor()
	jr, err := journal.Open(filepath.Join(t.TempDir(), "journal.log"), true)
	require.NoError(t, err)
	ctrl := createTestController(t, exec, func(_ *Config, d *Deps) {
		d.Journal = jr
	})
	ctx := context.Background()

	job, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)
	_, err = ctrl.SubmitComputation(ctx, job.ID, radar)
	require.NoError(t, err)
	exec.waitStarted(t, types.PhaseCompile)

	// release the phase while CloseJob is in flight
	go func() {
		time.Sleep(time.Millisecond)
		exec.release(types.PhaseCompile)
	}()
	_, err = ctrl.CloseJob(ctx, job.ID)
	require.NoError(t, err)
	waitForState(t, ctrl, job.ID, types.StateClosed)
	exec.releaseAll()

	var entries []journal.EntryType
	require.Eventually(t, func() bool {
		entries = journalTypes(t, jr.Path(), job.ID)
		return indexOf(entries, journal.EntryClosed) >= 0
	}, 3*time.Second, 2*time.Millisecond)

	requested := indexOf(entries, journal.EntryCloseRequested)
	closed := indexOf(entries, journal.EntryClosed)
	if requested >= 0 {
		assert.Less(t, requested, closed, "entries %v", entries)
	}
	assert.Equal(t, closed, len(entries)-1, "entries %v", entries)
}

// ============================================================================
// Subscriber Detach Tests
// ============================================================================

func TestDetachLastSubscriberClosesRunningJob(t *testing.T) {
	exec := newGatedExecutor()
	ctrl := createTestController(t, exec)
	ctx := context.Background()

	job, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)
	_, _, err = ctrl.Subscribe(ctx, job.ID, "analyst")
	require.NoError(t, err)
	_, _, err = ctrl.Subscribe(ctx, job.ID, "watcher")
	require.NoError(t, err)
	_, err = ctrl.SubmitComputation(ctx, job.ID, radar)
	require.NoError(t, err)
	exec.waitStarted(t, types.PhaseCompile)

	assert.False(t, ctrl.Detach(job.ID, "watcher"), "another subscriber is still attached")
	running, err := ctrl.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, running.CloseRequested)

	assert.False(t, ctrl.Detach(job.ID, "nobody"))
	assert.True(t, ctrl.Detach(job.ID, "analyst"))

	exec.release(types.PhaseCompile)
	final := waitForState(t, ctrl, job.ID, types.StateClosed)
	require.Len(t, final.Phases, 1)
	assert.Empty(t, final.ResultLocator)
	assert.Equal(t, 0, exec.callCount(types.PhaseOffline))
	exec.releaseAll()
}

func TestDetachLastSubscriberClosesCreatedJob(t *testing.T) {
	ctrl := createTestController(t, fastExecutor())
	ctx := context.Background()

	job, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)
	_, _, err = ctrl.Subscribe(ctx, job.ID, "analyst")
	require.NoError(t, err)

	assert.True(t, ctrl.Detach(job.ID, "analyst"))
	closed, err := ctrl.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateClosed, closed.State)
}

func TestDetachLeavesTerminalJobAlone(t *testing.T) {
	ctrl := createTestController(t, fastExecutor())
	ctx := context.Background()

	job, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)
	sub, _, err := ctrl.Subscribe(ctx, job.ID, "analyst")
	require.NoError(t, err)
	_, err = ctrl.SubmitComputation(ctx, job.ID, radar)
	require.NoError(t, err)
	collect(t, sub, 3*time.Second)
	waitForState(t, ctrl, job.ID, types.StateClosed)

	assert.False(t, ctrl.Detach(job.ID, "analyst"))
	final, err := ctrl.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, final.ResultLocator)
}

// ============================================================================
// Error Tests
// ============================================================================

func TestUnknownJobAndConfig(t *testing.T) {
	ctrl := createTestController(t, fastExecutor())
	ctx := context.Background()

	_, err := ctrl.CreateJob(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrConfigurationInvalid)

	_, err = ctrl.SubmitComputation(ctx, "missing", radar)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = ctrl.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = ctrl.CloseJob(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, _, err = ctrl.Subscribe(ctx, "missing", "conn")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.False(t, ctrl.Unsubscribe("missing", "conn"))
}

func TestCatalogDelegation(t *testing.T) {
	ctrl := createTestController(t, fastExecutor())
	ctx := context.Background()

	datasets, err := ctrl.ListDatasets(ctx, catalog.Filter{})
	require.NoError(t, err)
	require.Len(t, datasets, 1)

	headers, err := ctrl.ListHeaders(ctx, catalog.DatasetRef{OwnerID: 0, Name: "radar_a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t", "x"}, headers)

	_, err = ctrl.ListHeaders(ctx, catalog.DatasetRef{OwnerID: 5, Name: "radar_a"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestNewControllerRequiresCollaborators(t *testing.T) {
	_, err := NewController(Config{}, Deps{NetConfigs: testNetConfigs()})
	assert.Error(t, err)
	_, err = NewController(Config{}, Deps{Executor: fastExecutor()})
	assert.Error(t, err)
}

// ============================================================================
// Shutdown Tests
// ============================================================================

func TestStopWaitsForRunningPhaseAndClosesJob(t *testing.T) {
	exec := newGatedExecutor()
	ctrl := createTestController(t, exec)
	ctx := context.Background()

	job, err := ctrl.CreateJob(ctx, "demo")
	require.NoError(t, err)
	_, err = ctrl.SubmitComputation(ctx, job.ID, radar)
	require.NoError(t, err)
	exec.waitStarted(t, types.PhaseCompile)

	stopped := make(chan struct{})
	go func() {
		ctrl.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a phase was still running")
	case <-time.After(30 * time.Millisecond):
	}

	exec.release(types.PhaseCompile)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	final, err := ctrl.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateClosed, final.State)
	assert.Len(t, final.Phases, 1)
	assert.Equal(t, 0, exec.callCount(types.PhaseOffline))

	_, err = ctrl.CreateJob(ctx, "demo")
	assert.ErrorIs(t, err, ErrStopped)
	assert.True(t, strings.Contains(ErrStopped.Error(), "stopped"))
}
