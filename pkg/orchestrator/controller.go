// Package orchestrator runs builds end to end: sandbox provisioning, the
// planning / sequential / parallel agent phases, review gates, terminal
// handling, and artifact capture.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgebuild/forge/pkg/artifact"
	"github.com/forgebuild/forge/pkg/events"
	"github.com/forgebuild/forge/pkg/llm"
	"github.com/forgebuild/forge/pkg/manifest"
	"github.com/forgebuild/forge/pkg/models"
	"github.com/forgebuild/forge/pkg/registry"
	"github.com/forgebuild/forge/pkg/sandbox"
	"github.com/forgebuild/forge/pkg/store"
)

const (
	maxParallelAgents      = 3
	planningIterationCap   = 10
	subagentIterationCap   = 20
	sequentialIterationCap = 200
	waveSafetyCap          = 50
	contextResetCap        = 10
	rateLimitBackoff       = 60 * time.Second
	featureCountCap        = 80

	appSpecPath = "/home/user/app_spec.txt"
	designPath  = "/home/user/DESIGN.md"

	// Sentinels the phase prompts ask the model to emit. Manifest state stays
	// authoritative; the sentinels only shortcut polling.
	sentinelBlockingComplete = "BLOCKING_COMPLETE"
	sentinelFeatureComplete  = "FEATURE_COMPLETE"
)

// Build phase labels carried on phase events.
const (
	phasePlanning      = "planning"
	phaseDesignReview  = "design_review"
	phaseFeatureReview = "feature_review"
	phaseBuilding      = "building"
	phaseParallel      = "parallel"
	phaseFinalizing    = "finalizing"
)

var (
	// ErrBuildNotFound is returned for operations on unknown builds.
	ErrBuildNotFound = errors.New("orchestrator: build not found")

	// ErrBuildNotActive is returned when an operation needs an in-process
	// build (pause, approve) and the build is not running on this node.
	ErrBuildNotActive = errors.New("orchestrator: build not active")

	// ErrInvalidTransition is returned when the state machine forbids the
	// requested transition.
	ErrInvalidTransition = errors.New("orchestrator: invalid status transition")

	// ErrTooManyBuilds is returned when the node is at its concurrent build
	// limit.
	ErrTooManyBuilds = errors.New("orchestrator: too many concurrent builds")

	errResetCapExceeded = errors.New("orchestrator: context reset cap exceeded")
)

// Options configures a Controller.
type Options struct {
	SandboxTemplate       string
	SandboxTimeoutSeconds int
	MaxConcurrentBuilds   int
	DisableDesignResearch bool
}

// Controller owns the build lifecycle.
type Controller struct {
	store    store.Store
	provider sandbox.Provider
	llm      llm.Client
	pipeline *artifact.Pipeline // nil when no object store is configured
	registry *registry.Registry
	logger   *slog.Logger
	opts     Options

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	// Serializes progress updates; parallel-phase subagents report
	// completions concurrently.
	progressMu sync.Mutex
}

// New creates a controller. pipeline may be nil to skip artifact capture.
func New(st store.Store, provider sandbox.Provider, client llm.Client, pipeline *artifact.Pipeline, reg *registry.Registry, logger *slog.Logger, opts Options) *Controller {
	if opts.MaxConcurrentBuilds <= 0 {
		opts.MaxConcurrentBuilds = 10
	}
	if opts.SandboxTimeoutSeconds <= 0 {
		opts.SandboxTimeoutSeconds = 1200
	}
	return &Controller{
		store:    st,
		provider: provider,
		llm:      client,
		pipeline: pipeline,
		registry: reg,
		logger:   logger,
		opts:     opts,
		stopped:  make(chan struct{}),
	}
}

// StartBuild persists a new build and launches its controller goroutine.
func (c *Controller) StartBuild(ctx context.Context, ownerID string, req models.CreateBuildRequest) (*models.Build, error) {
	select {
	case <-c.stopped:
		return nil, errors.New("orchestrator: shutting down")
	default:
	}
	if c.registry.Len() >= c.opts.MaxConcurrentBuilds {
		return nil, ErrTooManyBuilds
	}

	target := req.TargetFeatureCount
	if target > featureCountCap {
		target = featureCountCap
	}
	build := &models.Build{
		ID:                 uuid.NewString(),
		OwnerID:            ownerID,
		AppSpec:            req.AppSpec,
		Status:             models.StatusPending,
		CreatedAt:          time.Now().UTC(),
		ReviewGatesEnabled: req.ReviewGatesEnabled,
		ComplexityTier:     req.ComplexityTier,
		TargetFeatureCount: target,
	}
	if err := c.store.CreateBuild(ctx, build); err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}

	buildCtx, cancel := context.WithCancel(context.Background())
	bus := events.NewBus()
	buffer := events.NewBuffer(build.ID, c.store, c.logger)
	state := registry.NewBuildState(build.ID, bus, buffer, cancel)
	if err := c.registry.Register(state); err != nil {
		cancel()
		buffer.Close()
		bus.Close()
		return nil, err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(buildCtx, build, state)
	}()

	c.logger.Info("Build started", "build_id", build.ID, "owner_id", ownerID)
	return build, nil
}

// Pause requests a cooperative pause at the next tool boundary.
func (c *Controller) Pause(ctx context.Context, buildID string) (*models.Build, error) {
	build, err := c.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	state, ok := c.registry.Get(buildID)
	if !ok {
		return nil, ErrBuildNotActive
	}
	if build.Status == models.StatusPaused {
		return build, nil
	}
	if !build.CanTransition(models.StatusPaused) {
		return nil, fmt.Errorf("%w: %s -> PAUSED", ErrInvalidTransition, build.Status)
	}
	state.Pause()
	build.Status = models.StatusPaused
	if err := c.store.UpdateBuild(ctx, build); err != nil {
		return nil, fmt.Errorf("persist pause: %w", err)
	}
	return build, nil
}

// Resume lifts a pause.
func (c *Controller) Resume(ctx context.Context, buildID string) (*models.Build, error) {
	build, err := c.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	state, ok := c.registry.Get(buildID)
	if !ok {
		return nil, ErrBuildNotActive
	}
	if build.Status == models.StatusRunning {
		return build, nil
	}
	if !build.CanTransition(models.StatusRunning) {
		return nil, fmt.Errorf("%w: %s -> RUNNING", ErrInvalidTransition, build.Status)
	}
	build.Status = models.StatusRunning
	if err := c.store.UpdateBuild(ctx, build); err != nil {
		return nil, fmt.Errorf("persist resume: %w", err)
	}
	state.Resume()
	return build, nil
}

// Cancel aborts a build. Idempotent on terminal builds.
func (c *Controller) Cancel(ctx context.Context, buildID string) (*models.Build, error) {
	build, err := c.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if build.Status.Terminal() {
		return build, nil
	}
	state, ok := c.registry.Get(buildID)
	if !ok {
		// Not running here (crashed node or PENDING leftovers); finalize the
		// record directly.
		build.Status = models.StatusCancelled
		if err := c.store.UpdateBuild(ctx, build); err != nil {
			return nil, fmt.Errorf("persist cancel: %w", err)
		}
		return build, nil
	}
	state.Resume() // unblock a paused build so it can observe the cancel
	state.Cancel()
	return build, nil
}

// ApproveGate delivers a review-gate approval.
func (c *Controller) ApproveGate(ctx context.Context, buildID string, approval models.GateApproval) (*models.Build, error) {
	build, err := c.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	state, ok := c.registry.Get(buildID)
	if !ok {
		return nil, ErrBuildNotActive
	}
	// A repeat approval for an already-approved gate is a registry no-op;
	// approving a gate the build never opened surfaces ErrNoPendingGate.
	if err := state.Approve(approval); err != nil {
		return nil, err
	}
	return build, nil
}

// Restart clones a build's spec and options into a fresh build.
func (c *Controller) Restart(ctx context.Context, buildID string) (*models.Build, error) {
	prev, err := c.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return c.StartBuild(ctx, prev.OwnerID, models.CreateBuildRequest{
		AppSpec:            prev.AppSpec,
		ComplexityTier:     prev.ComplexityTier,
		TargetFeatureCount: prev.TargetFeatureCount,
		ReviewGatesEnabled: prev.ReviewGatesEnabled,
	})
}

// Shutdown stops accepting builds, cancels running ones, and waits.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopped) })
	for _, id := range c.activeBuildIDs() {
		if state, ok := c.registry.Get(id); ok {
			state.Resume()
			state.Cancel()
		}
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) activeBuildIDs() []string {
	// Registry has no iteration API; builds remove themselves on terminal, so
	// collect via the store instead.
	var ids []string
	builds, err := c.store.ListBuilds(context.Background(), "")
	if err != nil {
		return nil
	}
	for _, b := range builds {
		if _, ok := c.registry.Get(b.ID); ok {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

// run is the per-build controller goroutine.
func (c *Controller) run(ctx context.Context, build *models.Build, state *registry.BuildState) {
	logger := c.logger.With("build_id", build.ID)
	pub := events.NewPublisher(build.ID, state.Bus, state.Buffer)

	var finalStatus models.BuildStatus
	var finalErr error

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Build panicked", "panic", r)
			finalStatus = models.StatusFailed
			finalErr = fmt.Errorf("internal error: %v", r)
		}
		c.finalize(build, state, pub, logger, finalStatus, finalErr)
	}()

	finalStatus, finalErr = c.execute(ctx, build, state, pub, logger)
}

// execute walks the build through its phases and returns the terminal
// status.
func (c *Controller) execute(ctx context.Context, build *models.Build, state *registry.BuildState, pub *events.Publisher, logger *slog.Logger) (models.BuildStatus, error) {
	if err := c.setStatus(build, models.StatusInitializing); err != nil {
		return models.StatusFailed, err
	}

	sb, err := c.provider.Create(ctx, sandbox.CreateParams{
		Template:       c.opts.SandboxTemplate,
		TimeoutSeconds: c.opts.SandboxTimeoutSeconds,
	})
	if err != nil {
		return c.classifyAbort(ctx, fmt.Errorf("provision sandbox: %w", err))
	}
	state.SetSandbox(sb)
	sandboxID := sb.ID()
	build.SandboxID = &sandboxID
	pub.Log(models.LogInfo, "Sandbox provisioned: "+sandboxID)

	if err := sb.WriteFile(ctx, appSpecPath, []byte(build.AppSpec)); err != nil {
		return c.classifyAbort(ctx, fmt.Errorf("write app spec: %w", err))
	}

	started := time.Now().UTC()
	build.StartedAt = &started
	if err := c.setStatus(build, models.StatusRunning); err != nil {
		return models.StatusFailed, err
	}

	resets := &resetCounter{}

	features, err := c.runPlanning(ctx, build, state, sb, pub, resets, logger)
	if err != nil {
		return c.classifyAbort(ctx, err)
	}

	writer := manifest.NewWriter(sb, manifest.DefaultPath)
	defer writer.Close()

	if err := c.runSequential(ctx, build, state, sb, pub, resets, features, logger); err != nil {
		return c.classifyAbort(ctx, err)
	}

	if err := c.runParallel(ctx, build, state, sb, pub, writer, resets, logger); err != nil {
		return c.classifyAbort(ctx, err)
	}

	final, err := writer.Load(ctx)
	if err != nil {
		return c.classifyAbort(ctx, fmt.Errorf("load final manifest: %w", err))
	}
	c.publishProgress(ctx, build, pub, final)

	if !manifest.AllPass(final) {
		progress := manifest.Progress(final)
		return models.StatusFailed, fmt.Errorf("%d of %d features did not pass", progress.Total-progress.Completed, progress.Total)
	}

	c.recordOutputURL(ctx, build, sb, logger)
	return models.StatusCompleted, nil
}

// classifyAbort distinguishes user cancellation from failure.
func (c *Controller) classifyAbort(ctx context.Context, err error) (models.BuildStatus, error) {
	if ctx.Err() != nil {
		return models.StatusCancelled, nil
	}
	return models.StatusFailed, err
}

// finalize writes the terminal status, captures the artifact best-effort,
// and tears down the runtime state. Status is written before sandbox
// destruction.
func (c *Controller) finalize(build *models.Build, state *registry.BuildState, pub *events.Publisher, logger *slog.Logger, status models.BuildStatus, buildErr error) {
	// The build context may be cancelled; teardown gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if buildErr != nil {
		pub.Event(models.Event{
			Type:        models.EventError,
			Severity:    "fatal",
			Message:     buildErr.Error(),
			Recoverable: boolPtr(false),
		})
		msg := buildErr.Error()
		build.Error = &msg
		logger.Error("Build failed", "error", buildErr)
	}

	pub.Event(models.Event{Type: models.EventPhase, Phase: phaseFinalizing})

	build.Status = status
	if err := c.store.UpdateBuild(ctx, build); err != nil {
		logger.Error("Failed to persist terminal status", "error", err, "status", status)
	}

	sb := state.Sandbox()
	if sb != nil && c.pipeline != nil {
		key, err := c.pipeline.Capture(ctx, build.ID, sb)
		if err != nil {
			logger.Warn("Artifact capture failed", "error", err)
			if status == models.StatusCompleted {
				build.Status = models.StatusFailed
				msg := fmt.Sprintf("artifact capture failed: %v", err)
				build.Error = &msg
			}
		} else {
			build.ArtifactKey = &key
			pub.Log(models.LogInfo, "Artifact uploaded: "+key)
		}
		if err := c.store.UpdateBuild(ctx, build); err != nil {
			logger.Error("Failed to persist artifact key", "error", err)
		}
	}
	if sb != nil {
		if err := sb.Destroy(ctx); err != nil {
			logger.Warn("Sandbox destroy failed", "error", err)
		}
	}

	logger.Info("Build finished", "status", build.Status)
	state.Buffer.Close()
	state.Bus.Close()
	c.registry.Remove(build.ID)
}

// setStatus validates the transition and persists it.
func (c *Controller) setStatus(build *models.Build, next models.BuildStatus) error {
	if !build.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, build.Status, next)
	}
	build.Status = next
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.UpdateBuild(ctx, build); err != nil {
		return fmt.Errorf("persist status %s: %w", next, err)
	}
	return nil
}

// publishProgress emits progress and persists the counts on the build.
// Completed counts never regress.
func (c *Controller) publishProgress(ctx context.Context, build *models.Build, pub *events.Publisher, features []models.Feature) {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	progress := manifest.Progress(features)
	if progress.Completed < build.Progress.Completed {
		progress.Completed = build.Progress.Completed
	}
	build.Progress = progress
	pub.Event(models.Event{Type: models.EventProgress, Progress: &progress})
	if err := c.store.UpdateBuild(ctx, build); err != nil {
		c.logger.Warn("Failed to persist progress", "build_id", build.ID, "error", err)
	}
}

// recordOutputURL best-effort resolves a preview hostname for the dev
// server port.
func (c *Controller) recordOutputURL(ctx context.Context, build *models.Build, sb sandbox.Sandbox, logger *slog.Logger) {
	host, err := sb.GetHost(ctx, 3000)
	if err != nil {
		logger.Debug("No preview host available", "error", err)
		return
	}
	url := "https://" + host
	build.OutputURL = &url
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrBuildNotFound
	}
	return err
}

func boolPtr(v bool) *bool { return &v }
