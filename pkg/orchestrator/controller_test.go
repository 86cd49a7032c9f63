package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/pkg/artifact"
	"github.com/forgebuild/forge/pkg/llm"
	"github.com/forgebuild/forge/pkg/manifest"
	"github.com/forgebuild/forge/pkg/models"
	"github.com/forgebuild/forge/pkg/objectstore"
	"github.com/forgebuild/forge/pkg/registry"
	"github.com/forgebuild/forge/pkg/sandbox"
	"github.com/forgebuild/forge/pkg/store"
)

type testEnv struct {
	ctl      *Controller
	store    *store.Memory
	provider *sandbox.FakeProvider
	objects  *objectstore.Memory
}

func newTestEnv(t *testing.T, client llm.Client, opts Options) *testEnv {
	t.Helper()
	st := store.NewMemory()
	provider := sandbox.NewFakeProvider()
	objects := objectstore.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctl := New(st, provider, client, artifact.NewPipeline(objects), registry.New(), logger, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = ctl.Shutdown(ctx)
	})
	return &testEnv{ctl: ctl, store: st, provider: provider, objects: objects}
}

func (e *testEnv) waitStatus(t *testing.T, buildID string, status models.BuildStatus) *models.Build {
	t.Helper()
	var got *models.Build
	require.Eventually(t, func() bool {
		b, err := e.store.GetBuild(context.Background(), buildID)
		if err != nil {
			return false
		}
		got = b
		return b.Status == status
	}, 10*time.Second, 10*time.Millisecond, "waiting for status %s", status)
	return got
}

func (e *testEnv) waitTerminal(t *testing.T, buildID string) *models.Build {
	t.Helper()
	require.Eventually(t, func() bool {
		b, err := e.store.GetBuild(context.Background(), buildID)
		if err != nil {
			return false
		}
		return b.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	// Finalize removes the registry entry last; waiting for that guarantees
	// the artifact key is persisted and the event buffer is flushed.
	require.Eventually(t, func() bool {
		_, ok := e.ctl.registry.Get(buildID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	final, err := e.store.GetBuild(context.Background(), buildID)
	require.NoError(t, err)
	return final
}

func feat(desc string, blocking, passes bool, deps ...string) models.Feature {
	return models.Feature{
		Category:    models.CategoryFunctional,
		Description: desc,
		Steps:       []string{"implement", "verify"},
		Passes:      passes,
		Blocking:    boolPtr(blocking),
		DependsOn:   deps,
	}
}

func manifestJSON(t *testing.T, features ...models.Feature) string {
	t.Helper()
	data, err := manifest.Encode(features)
	require.NoError(t, err)
	return string(data)
}

func writeManifestStep(t *testing.T, id string, features ...models.Feature) llm.Step {
	return llm.RespondToolUse(id, "write_file", map[string]string{
		"path":    manifest.DefaultPath,
		"content": manifestJSON(t, features...),
	})
}

func TestBuildCompletes(t *testing.T) {
	client := llm.NewScripted(
		// Planning writes the manifest.
		writeManifestStep(t, "t1", feat("core api", true, false), feat("polish", false, false)),
		// Sequential marks the blocking feature passed.
		writeManifestStep(t, "t2", feat("core api", true, true), feat("polish", false, false)),
		// One subagent handles the remaining feature.
		llm.RespondText("Done. FEATURE_COMPLETE"),
	)
	env := newTestEnv(t, client, Options{})

	build, err := env.ctl.StartBuild(context.Background(), "owner-1", models.CreateBuildRequest{
		AppSpec: "a command line tool that syncs two folders",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, build.Status)

	final := env.waitTerminal(t, build.ID)
	require.Nil(t, final.Error)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, models.Progress{Completed: 2, Total: 2}, final.Progress)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.OutputURL)
	assert.Contains(t, *final.OutputURL, "3000-")

	// The artifact was uploaded before the sandbox was destroyed.
	require.NotNil(t, final.ArtifactKey)
	assert.Equal(t, artifact.Key(build.ID), *final.ArtifactKey)
	data, contentType, ok := env.objects.Object(*final.ArtifactKey)
	require.True(t, ok)
	assert.NotEmpty(t, data)
	assert.Equal(t, "application/zip", contentType)

	require.NotNil(t, final.SandboxID)
	sb := env.provider.Sandbox(*final.SandboxID)
	require.NotNil(t, sb)
	assert.True(t, sb.Destroyed())

	// Event stream covers all three phases.
	evs, err := env.store.GetBuildEvents(context.Background(), build.ID)
	require.NoError(t, err)
	phases := map[string]bool{}
	var sawFeatureList bool
	for _, ev := range evs {
		if ev.Type == models.EventPhase {
			phases[ev.Phase] = true
		}
		if ev.Type == models.EventFeatureList {
			sawFeatureList = true
		}
	}
	assert.True(t, phases[phasePlanning])
	assert.True(t, phases[phaseBuilding])
	assert.True(t, phases[phaseParallel])
	assert.True(t, phases[phaseFinalizing])
	assert.True(t, sawFeatureList)
}

func TestSubagentEndTurnCountsAsDone(t *testing.T) {
	client := llm.NewScripted(
		writeManifestStep(t, "t1", feat("core", true, false), feat("extra", false, false)),
		writeManifestStep(t, "t2", feat("core", true, true), feat("extra", false, false)),
		// The subagent ends its turn without the completion token; with no
		// pending tool calls that still counts as finished.
		llm.RespondText("All set."),
	)
	env := newTestEnv(t, client, Options{})

	build, err := env.ctl.StartBuild(context.Background(), "owner-1", models.CreateBuildRequest{
		AppSpec: "a queue worker",
	})
	require.NoError(t, err)

	final := env.waitTerminal(t, build.ID)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, models.Progress{Completed: 2, Total: 2}, final.Progress)
}

func TestBuildFailsWhenSubagentExceedsIterations(t *testing.T) {
	steps := []llm.Step{
		writeManifestStep(t, "t1", feat("core", true, true), feat("extra", false, false)),
	}
	// The subagent loops on tool calls without ever finishing, through the
	// first attempt and the sequential retry.
	for i := 0; i < 2*subagentIterationCap; i++ {
		steps = append(steps, llm.RespondToolUse("loop", "bash", map[string]string{"command": "true"}))
	}
	client := llm.NewScripted(steps...)
	env := newTestEnv(t, client, Options{})

	build, err := env.ctl.StartBuild(context.Background(), "owner-1", models.CreateBuildRequest{
		AppSpec: "a queue worker",
	})
	require.NoError(t, err)

	final := env.waitTerminal(t, build.ID)
	assert.Equal(t, models.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "did not pass")
}

func TestPlanningRejectsEmptyManifest(t *testing.T) {
	client := llm.NewScripted(
		// An empty manifest does not finish planning; the loop continues.
		llm.RespondToolUse("t1", "write_file", map[string]string{
			"path":    manifest.DefaultPath,
			"content": "[]",
		}),
		writeManifestStep(t, "t2", feat("core", true, false)),
		writeManifestStep(t, "t3", feat("core", true, true)),
	)
	env := newTestEnv(t, client, Options{})

	build, err := env.ctl.StartBuild(context.Background(), "owner-1", models.CreateBuildRequest{
		AppSpec: "a tiny service",
	})
	require.NoError(t, err)

	final := env.waitTerminal(t, build.ID)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, models.Progress{Completed: 1, Total: 1}, final.Progress)
}

func TestReviewGates(t *testing.T) {
	design := llm.RespondToolUse("d1", "write_file", map[string]string{
		"path":    designPath,
		"content": "# Design\nClean dashboard layout.",
	})
	client := llm.NewScripted(
		design,
		writeManifestStep(t, "m1", feat("dashboard shell", true, false), feat("dark theme", false, false)),
		writeManifestStep(t, "m2", feat("dashboard shell", true, true), feat("dark theme", false, false)),
		llm.RespondText("FEATURE_COMPLETE"),
	)
	env := newTestEnv(t, client, Options{DisableDesignResearch: true})

	// Two UI keywords make this a UI project, so the design gate comes first.
	build, err := env.ctl.StartBuild(context.Background(), "owner-1", models.CreateBuildRequest{
		AppSpec:            "a react dashboard for server metrics",
		ReviewGatesEnabled: true,
	})
	require.NoError(t, err)

	env.waitStatus(t, build.ID, models.StatusAwaitingDesignReview)

	// Approving a gate the build is not at must not report success.
	_, err = env.ctl.ApproveGate(context.Background(), build.ID, models.GateApproval{Gate: models.GateFeature})
	require.ErrorIs(t, err, registry.ErrNoPendingGate)

	// The AWAITING status is persisted only after the mailbox opens, so an
	// approval arriving this early is still delivered.
	_, err = env.ctl.ApproveGate(context.Background(), build.ID, models.GateApproval{Gate: models.GateDesign})
	require.NoError(t, err)

	env.waitStatus(t, build.ID, models.StatusAwaitingFeatureReview)

	// A second approval for an already-approved gate is a no-op.
	_, err = env.ctl.ApproveGate(context.Background(), build.ID, models.GateApproval{Gate: models.GateDesign})
	require.NoError(t, err)

	// Approve the feature list with an edited manifest.
	edited := manifestJSON(t, feat("dashboard shell", true, false), feat("dark theme", false, false), feat("export to csv", false, false))
	_, err = env.ctl.ApproveGate(context.Background(), build.ID, models.GateApproval{
		Gate:          models.GateFeature,
		EditedContent: edited,
	})
	require.NoError(t, err)

	// The edited manifest adds a third feature; script its subagent too.
	client.Append(llm.RespondText("FEATURE_COMPLETE"))

	final := env.waitTerminal(t, build.ID)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, models.Progress{Completed: 3, Total: 3}, final.Progress)

	evs, err := env.store.GetBuildEvents(context.Background(), build.ID)
	require.NoError(t, err)
	var gates []string
	for _, ev := range evs {
		if ev.Type == models.EventReviewGate {
			gates = append(gates, ev.Gate)
		}
	}
	assert.Equal(t, []string{"design", "feature"}, gates)
}

// blockingClient parks every call until its context is cancelled.
type blockingClient struct {
	started chan struct{}
}

func (b *blockingClient) Stream(ctx context.Context, _ *llm.Request, _ func(string)) (*llm.Response, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelRunningBuild(t *testing.T) {
	client := &blockingClient{started: make(chan struct{}, 1)}
	env := newTestEnv(t, client, Options{})

	build, err := env.ctl.StartBuild(context.Background(), "owner-1", models.CreateBuildRequest{
		AppSpec: "anything",
	})
	require.NoError(t, err)

	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("build never reached the model call")
	}

	_, err = env.ctl.Cancel(context.Background(), build.ID)
	require.NoError(t, err)

	final := env.waitTerminal(t, build.ID)
	assert.Equal(t, models.StatusCancelled, final.Status)
	require.NotNil(t, final.SandboxID)
	assert.True(t, env.provider.Sandbox(*final.SandboxID).Destroyed())

	// Cancel on a terminal build is idempotent.
	again, err := env.ctl.Cancel(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, again.Status)
}

func TestContextOverflowResets(t *testing.T) {
	client := llm.NewScripted(
		llm.Fail(llm.ErrContextOverflow),
		writeManifestStep(t, "t1", feat("core", true, false)),
		writeManifestStep(t, "t2", feat("core", true, true)),
	)
	env := newTestEnv(t, client, Options{})

	build, err := env.ctl.StartBuild(context.Background(), "owner-1", models.CreateBuildRequest{
		AppSpec: "a tiny service",
	})
	require.NoError(t, err)

	final := env.waitTerminal(t, build.ID)
	assert.Equal(t, models.StatusCompleted, final.Status)

	evs, err := env.store.GetBuildEvents(context.Background(), build.ID)
	require.NoError(t, err)
	var sawReset bool
	for _, ev := range evs {
		if ev.Type == models.EventActivity && ev.Description == "Context reset (1/10)" {
			sawReset = true
		}
	}
	assert.True(t, sawReset, "expected a context reset activity event")
}

func TestContextOverflowCapFailsBuild(t *testing.T) {
	// Planning succeeds, then the sequential phase overflows past the cap.
	steps := []llm.Step{writeManifestStep(t, "t1", feat("core", true, false))}
	for i := 0; i <= contextResetCap; i++ {
		steps = append(steps, llm.Fail(llm.ErrContextOverflow))
	}
	client := llm.NewScripted(steps...)
	env := newTestEnv(t, client, Options{})

	build, err := env.ctl.StartBuild(context.Background(), "owner-1", models.CreateBuildRequest{
		AppSpec: "a tiny service",
	})
	require.NoError(t, err)

	final := env.waitTerminal(t, build.ID)
	assert.Equal(t, models.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "context reset cap")
}

func TestParallelCyclePromotion(t *testing.T) {
	client := llm.NewScripted(
		writeManifestStep(t, "t1",
			feat("core", true, false),
			feat("theme", false, false, "search"),
			feat("search", false, false, "theme")),
		writeManifestStep(t, "t2",
			feat("core", true, true),
			feat("theme", false, false, "search"),
			feat("search", false, false, "theme")),
		// Neither dependency can ever be satisfied, so both features are
		// promoted into the same wave.
		llm.RespondText("FEATURE_COMPLETE"),
		llm.RespondText("FEATURE_COMPLETE"),
	)
	env := newTestEnv(t, client, Options{})

	build, err := env.ctl.StartBuild(context.Background(), "owner-1", models.CreateBuildRequest{
		AppSpec: "a small app",
	})
	require.NoError(t, err)

	final := env.waitTerminal(t, build.ID)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, models.Progress{Completed: 3, Total: 3}, final.Progress)
}

// gatedClient delays every call until the test releases it, then delegates.
type gatedClient struct {
	release chan struct{}
	inner   llm.Client
}

func (g *gatedClient) Stream(ctx context.Context, req *llm.Request, onDelta func(string)) (*llm.Response, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.Stream(ctx, req, onDelta)
}

func TestPauseResume(t *testing.T) {
	inner := llm.NewScripted(
		writeManifestStep(t, "t1", feat("core", true, false)),
		writeManifestStep(t, "t2", feat("core", true, true)),
	)
	client := &gatedClient{release: make(chan struct{}), inner: inner}
	env := newTestEnv(t, client, Options{})

	build, err := env.ctl.StartBuild(context.Background(), "owner-1", models.CreateBuildRequest{
		AppSpec: "a service",
	})
	require.NoError(t, err)
	env.waitStatus(t, build.ID, models.StatusRunning)

	paused, err := env.ctl.Pause(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, paused.Status)

	// Pausing a paused build is a no-op.
	paused, err = env.ctl.Pause(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, paused.Status)

	resumed, err := env.ctl.Resume(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, resumed.Status)

	close(client.release)
	final := env.waitTerminal(t, build.ID)
	assert.Equal(t, models.StatusCompleted, final.Status)
}

func TestOperationsOnUnknownBuild(t *testing.T) {
	env := newTestEnv(t, llm.NewScripted(), Options{})
	ctx := context.Background()

	_, err := env.ctl.Pause(ctx, "nope")
	assert.ErrorIs(t, err, ErrBuildNotFound)
	_, err = env.ctl.Resume(ctx, "nope")
	assert.ErrorIs(t, err, ErrBuildNotFound)
	_, err = env.ctl.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, ErrBuildNotFound)
	_, err = env.ctl.ApproveGate(ctx, "nope", models.GateApproval{Gate: models.GateDesign})
	assert.ErrorIs(t, err, ErrBuildNotFound)
}

func TestPauseInactiveBuild(t *testing.T) {
	env := newTestEnv(t, llm.NewScripted(), Options{})
	ctx := context.Background()

	stale := &models.Build{ID: "stale", Status: models.StatusRunning, CreatedAt: time.Now()}
	require.NoError(t, env.store.CreateBuild(ctx, stale))

	_, err := env.ctl.Pause(ctx, "stale")
	assert.ErrorIs(t, err, ErrBuildNotActive)

	// Cancel works without a live controller by finalizing the record.
	cancelled, err := env.ctl.Cancel(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
}

func TestConcurrentBuildLimit(t *testing.T) {
	client := &blockingClient{started: make(chan struct{}, 1)}
	env := newTestEnv(t, client, Options{MaxConcurrentBuilds: 1})
	ctx := context.Background()

	first, err := env.ctl.StartBuild(ctx, "owner-1", models.CreateBuildRequest{AppSpec: "one"})
	require.NoError(t, err)

	_, err = env.ctl.StartBuild(ctx, "owner-1", models.CreateBuildRequest{AppSpec: "two"})
	assert.ErrorIs(t, err, ErrTooManyBuilds)

	_, err = env.ctl.Cancel(ctx, first.ID)
	require.NoError(t, err)
	env.waitTerminal(t, first.ID)

	_, err = env.ctl.StartBuild(ctx, "owner-1", models.CreateBuildRequest{AppSpec: "two"})
	require.NoError(t, err)
}

func TestRestartClonesBuild(t *testing.T) {
	client := llm.NewScripted(
		writeManifestStep(t, "t1", feat("core", true, false)),
		writeManifestStep(t, "t2", feat("core", true, true)),
	)
	env := newTestEnv(t, client, Options{})
	ctx := context.Background()

	build, err := env.ctl.StartBuild(ctx, "owner-1", models.CreateBuildRequest{
		AppSpec:            "a service",
		ComplexityTier:     models.TierSimple,
		TargetFeatureCount: 5,
	})
	require.NoError(t, err)
	env.waitTerminal(t, build.ID)

	client.Append(
		writeManifestStep(t, "t3", feat("core", true, false)),
		writeManifestStep(t, "t4", feat("core", true, true)),
	)
	clone, err := env.ctl.Restart(ctx, build.ID)
	require.NoError(t, err)
	assert.NotEqual(t, build.ID, clone.ID)
	assert.Equal(t, build.AppSpec, clone.AppSpec)
	assert.Equal(t, build.TargetFeatureCount, clone.TargetFeatureCount)

	final := env.waitTerminal(t, clone.ID)
	assert.Equal(t, models.StatusCompleted, final.Status)
}

func TestShutdownCancelsActiveBuilds(t *testing.T) {
	client := &blockingClient{started: make(chan struct{}, 1)}
	env := newTestEnv(t, client, Options{})
	ctx := context.Background()

	build, err := env.ctl.StartBuild(ctx, "owner-1", models.CreateBuildRequest{AppSpec: "one"})
	require.NoError(t, err)
	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("build never reached the model call")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, env.ctl.Shutdown(shutdownCtx))

	b, err := env.store.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, b.Status)

	_, err = env.ctl.StartBuild(ctx, "owner-1", models.CreateBuildRequest{AppSpec: "two"})
	assert.Error(t, err)
}
