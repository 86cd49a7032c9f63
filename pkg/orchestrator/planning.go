package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgebuild/forge/pkg/bridge"
	"github.com/forgebuild/forge/pkg/events"
	"github.com/forgebuild/forge/pkg/llm"
	"github.com/forgebuild/forge/pkg/manifest"
	"github.com/forgebuild/forge/pkg/models"
	"github.com/forgebuild/forge/pkg/registry"
	"github.com/forgebuild/forge/pkg/sandbox"
)

// uiKeywords are the indicators for the UI-project heuristic: two or more
// distinct hits classify the spec as a UI project.
var uiKeywords = []string{
	"ui", "page", "website", "web app", "dashboard", "frontend",
	"design", "landing", "form", "button", "layout", "responsive",
	"theme", "html", "css", "react", "interface", "navigation",
}

// productionKeywords push complexity estimation toward the production tier.
var productionKeywords = []string{
	"auth", "login", "payment", "database", "multi-user", "realtime",
	"real-time", "production", "deploy", "api integration", "websocket",
}

// detectUI applies the keyword heuristic to the app spec.
func detectUI(appSpec string) bool {
	spec := strings.ToLower(appSpec)
	hits := 0
	for _, kw := range uiKeywords {
		if strings.Contains(spec, kw) {
			hits++
			if hits >= 2 {
				return true
			}
		}
	}
	return false
}

// inferTier estimates complexity from spec indicators.
func inferTier(appSpec string) models.ComplexityTier {
	spec := strings.ToLower(appSpec)
	hits := 0
	for _, kw := range productionKeywords {
		if strings.Contains(spec, kw) {
			hits++
		}
	}
	switch {
	case hits >= 3:
		return models.TierProduction
	case hits >= 1 || len(appSpec) > 600:
		return models.TierStandard
	default:
		return models.TierSimple
	}
}

func tierTarget(tier models.ComplexityTier) int {
	switch tier {
	case models.TierProduction:
		return 60
	case models.TierStandard:
		return 30
	default:
		return 10
	}
}

// estimateComplexity fills in tier and target count where the request left
// them unset, capping the target.
func estimateComplexity(build *models.Build) int {
	if build.ComplexityTier == "" {
		build.ComplexityTier = inferTier(build.AppSpec)
	}
	if build.TargetFeatureCount <= 0 {
		build.TargetFeatureCount = tierTarget(build.ComplexityTier)
	}
	if build.TargetFeatureCount > featureCountCap {
		build.TargetFeatureCount = featureCountCap
	}
	return build.TargetFeatureCount
}

// runPlanning drives the planning phase until a valid non-empty manifest
// exists, handling review gates on the way.
func (c *Controller) runPlanning(ctx context.Context, build *models.Build, state *registry.BuildState, sb sandbox.Sandbox, pub *events.Publisher, resets *resetCounter, logger *slog.Logger) ([]models.Feature, error) {
	pub.Event(models.Event{Type: models.EventPhase, Phase: phasePlanning})
	pub.Log(models.LogInfo, "Planning phase started")
	c.extendSandbox(ctx, sb, logger)

	isUI := detectUI(build.AppSpec)
	target := estimateComplexity(build)
	if err := c.store.UpdateBuild(ctx, build); err != nil {
		logger.Warn("Failed to persist complexity estimate", "error", err)
	}
	logger.Info("Planning", "ui_project", isUI, "tier", build.ComplexityTier, "target_features", target)

	research := ""
	if isUI && !c.opts.DisableDesignResearch {
		research = c.designResearch(ctx, build.AppSpec, pub, logger)
	}

	sess := &session{
		client: c.llm,
		bridge: bridge.New(sb, pub, bridge.WithFormatGuidance()),
		pub:    pub,
		state:  state,
		resets: resets,
		system: buildPlannerSystem(isUI, research, target),
		messages: []llm.Message{llm.TextMessage(llm.RoleUser,
			"Read /home/user/app_spec.txt and produce the feature manifest.")},
		summary: func(context.Context) string {
			return resetSummary(nil, phasePlanning)
		},
	}

	designReviewed := false
	featureReviewed := false
	var features []models.Feature

	hook := func(ctx context.Context, _ *llm.Response) (bool, error) {
		if build.ReviewGatesEnabled && isUI && !designReviewed {
			if c.fileExists(ctx, sb, designPath) && !c.fileExists(ctx, sb, manifest.DefaultPath) {
				if err := c.holdGate(ctx, build, state, sb, pub, models.GateDesign, designPath); err != nil {
					return false, err
				}
				designReviewed = true
			}
		}

		data, err := sb.ReadFile(ctx, manifest.DefaultPath)
		if err != nil {
			return false, nil
		}
		parsed, err := manifest.Parse(data)
		if err != nil {
			return false, nil
		}

		if build.ReviewGatesEnabled && !featureReviewed {
			if err := c.holdGate(ctx, build, state, sb, pub, models.GateFeature, manifest.DefaultPath); err != nil {
				return false, err
			}
			featureReviewed = true
			// The approval may have replaced the manifest.
			data, err = sb.ReadFile(ctx, manifest.DefaultPath)
			if err != nil {
				return false, fmt.Errorf("reload manifest after approval: %w", err)
			}
			parsed, err = manifest.Parse(data)
			if err != nil {
				return false, fmt.Errorf("manifest invalid after approval: %w", err)
			}
		}

		features = parsed
		return true, nil
	}

	if err := sess.run(ctx, planningIterationCap, hook); err != nil {
		if errors.Is(err, errIterationCap) {
			return nil, fmt.Errorf("planning did not produce a valid feature manifest within %d iterations", planningIterationCap)
		}
		return nil, err
	}

	progress := manifest.Progress(features)
	pub.Event(models.Event{Type: models.EventFeatureList, Features: features, Progress: &progress})
	c.publishProgress(ctx, build, pub, features)
	pub.Log(models.LogInfo, fmt.Sprintf("Planning complete: %d features", len(features)))
	return features, nil
}

// holdGate parks the build at a review gate. The approval may carry edited
// content for the planning artifact at path.
func (c *Controller) holdGate(ctx context.Context, build *models.Build, state *registry.BuildState, sb sandbox.Sandbox, pub *events.Publisher, gate models.ReviewGate, path string) error {
	phase := phaseDesignReview
	status := models.StatusAwaitingDesignReview
	if gate == models.GateFeature {
		phase = phaseFeatureReview
		status = models.StatusAwaitingFeatureReview
	}

	// Open the mailbox before the AWAITING status is visible; an approval
	// racing the status write would otherwise be rejected and lost.
	state.ExpectGate(gate)

	pub.Event(models.Event{Type: models.EventPhase, Phase: phase})
	pub.Event(models.Event{Type: models.EventReviewGate, Gate: string(gate)})
	if err := c.setStatus(build, status); err != nil {
		return err
	}

	approval, err := state.AwaitApproval(ctx, gate)
	if err != nil {
		return err
	}
	if approval.EditedContent != "" {
		if err := sb.WriteFile(ctx, path, []byte(approval.EditedContent)); err != nil {
			return fmt.Errorf("apply edited %s: %w", path, err)
		}
	}
	if err := c.setStatus(build, models.StatusRunning); err != nil {
		return err
	}
	pub.Log(models.LogInfo, fmt.Sprintf("Review gate approved: %s", gate))
	return nil
}

// designResearch runs the optional web-search-assisted research call for UI
// projects. Best effort: failures skip research rather than failing the
// build.
func (c *Controller) designResearch(ctx context.Context, appSpec string, pub *events.Publisher, logger *slog.Logger) string {
	pub.Event(models.Event{Type: models.EventActivity, Description: "Researching design references"})
	resp, err := c.llm.Stream(ctx, &llm.Request{
		System:          designResearchPrompt,
		Messages:        []llm.Message{llm.TextMessage(llm.RoleUser, appSpec)},
		EnableWebSearch: true,
	}, nil)
	if err != nil {
		logger.Warn("Design research skipped", "error", err)
		return ""
	}
	return resp.Text()
}

func (c *Controller) fileExists(ctx context.Context, sb sandbox.Sandbox, path string) bool {
	_, err := sb.ReadFile(ctx, path)
	return err == nil
}

// extendSandbox refreshes the sandbox timeout at phase boundaries so long
// builds do not expire mid-phase.
func (c *Controller) extendSandbox(ctx context.Context, sb sandbox.Sandbox, logger *slog.Logger) {
	d := time.Duration(c.opts.SandboxTimeoutSeconds) * time.Second
	if err := sb.SetTimeout(ctx, d); err != nil {
		logger.Warn("Failed to extend sandbox timeout", "error", err)
	}
}
