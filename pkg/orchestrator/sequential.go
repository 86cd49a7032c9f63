package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forgebuild/forge/pkg/bridge"
	"github.com/forgebuild/forge/pkg/events"
	"github.com/forgebuild/forge/pkg/llm"
	"github.com/forgebuild/forge/pkg/manifest"
	"github.com/forgebuild/forge/pkg/models"
	"github.com/forgebuild/forge/pkg/registry"
	"github.com/forgebuild/forge/pkg/sandbox"
)

// runSequential implements blocking features in manifest order. Manifest
// state on disk is authoritative for completion; the BLOCKING_COMPLETE
// sentinel is only a hint.
func (c *Controller) runSequential(ctx context.Context, build *models.Build, state *registry.BuildState, sb sandbox.Sandbox, pub *events.Publisher, resets *resetCounter, features []models.Feature, logger *slog.Logger) error {
	blocking, _ := manifest.Partition(features)

	pub.Event(models.Event{Type: models.EventPhase, Phase: phaseBuilding})
	pub.Log(models.LogInfo, fmt.Sprintf("Sequential phase started: %d blocking features", len(blocking)))

	if manifest.AllPass(blocking) {
		pub.Log(models.LogInfo, "All blocking features already pass, skipping sequential phase")
		return nil
	}
	c.extendSandbox(ctx, sb, logger)

	encoded, err := manifest.Encode(features)
	if err != nil {
		return err
	}

	passed := passingSet(features)
	sess := &session{
		client:      c.llm,
		bridge:      bridge.New(sb, pub),
		pub:         pub,
		state:       state,
		resets:      resets,
		system:      builderPrompt,
		trimEnabled: true,
		messages: []llm.Message{llm.TextMessage(llm.RoleUser,
			"Here is the current feature manifest:\n\n"+string(encoded)+
				"\n\nImplement the blocking features in order, starting with the first one where \"passes\" is false.")},
		summary: func(ctx context.Context) string {
			current, _ := c.loadManifest(ctx, sb)
			return resetSummary(current, phaseBuilding)
		},
	}

	hook := func(ctx context.Context, resp *llm.Response) (bool, error) {
		current, err := c.loadManifest(ctx, sb)
		if err != nil {
			// The agent may have the manifest mid-rewrite; try again next
			// iteration.
			return false, nil
		}
		c.emitNewlyPassed(pub, passed, current)
		c.publishProgress(ctx, build, pub, current)

		currentBlocking, _ := manifest.Partition(current)
		if manifest.AllPass(currentBlocking) {
			pub.Log(models.LogInfo, "All blocking features pass")
			return true, nil
		}
		if strings.Contains(resp.Text(), sentinelBlockingComplete) {
			sess.messages = append(sess.messages, llm.TextMessage(llm.RoleUser,
				"feature_list.json still has blocking features with \"passes\": false. "+
					"Continue with the next unfinished blocking feature."))
		}
		return false, nil
	}

	if err := sess.run(ctx, sequentialIterationCap, hook); err != nil {
		if errors.Is(err, errIterationCap) {
			return fmt.Errorf("sequential phase exceeded %d iterations", sequentialIterationCap)
		}
		return err
	}
	return nil
}

// loadManifest reads and parses the manifest straight from the sandbox.
func (c *Controller) loadManifest(ctx context.Context, sb sandbox.Sandbox) ([]models.Feature, error) {
	data, err := sb.ReadFile(ctx, manifest.DefaultPath)
	if err != nil {
		return nil, err
	}
	return manifest.Parse(data)
}

// emitNewlyPassed emits feature_end for features that flipped to passing
// since the last poll.
func (c *Controller) emitNewlyPassed(pub *events.Publisher, passed map[string]bool, current []models.Feature) {
	for _, f := range current {
		if f.Passes && !passed[f.Description] {
			passed[f.Description] = true
			pub.Event(models.Event{Type: models.EventFeatureEnd, Description: f.Description})
		}
	}
}

func passingSet(features []models.Feature) map[string]bool {
	set := make(map[string]bool, len(features))
	for _, f := range features {
		if f.Passes {
			set[f.Description] = true
		}
	}
	return set
}
