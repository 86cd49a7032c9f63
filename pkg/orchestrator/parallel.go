package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/forgebuild/forge/pkg/bridge"
	"github.com/forgebuild/forge/pkg/events"
	"github.com/forgebuild/forge/pkg/llm"
	"github.com/forgebuild/forge/pkg/manifest"
	"github.com/forgebuild/forge/pkg/models"
	"github.com/forgebuild/forge/pkg/registry"
	"github.com/forgebuild/forge/pkg/sandbox"
)

// runParallel schedules the remaining non-blocking features in dependency
// waves, at most maxParallelAgents subagents at a time. Features whose
// subagent fails are retried once, sequentially, after the waves drain;
// features still failing after the retry stay passes=false and the build
// carries on.
func (c *Controller) runParallel(ctx context.Context, build *models.Build, state *registry.BuildState, sb sandbox.Sandbox, pub *events.Publisher, writer *manifest.Writer, resets *resetCounter, logger *slog.Logger) error {
	features, err := writer.Load(ctx)
	if err != nil {
		return fmt.Errorf("load manifest for parallel phase: %w", err)
	}
	_, nonBlocking := manifest.Partition(features)
	if manifest.AllPass(nonBlocking) {
		return nil
	}

	pub.Event(models.Event{Type: models.EventPhase, Phase: phaseParallel})
	pub.Log(models.LogInfo, fmt.Sprintf("Parallel phase started: %d features remaining", countUnfinished(nonBlocking)))
	c.extendSandbox(ctx, sb, logger)

	var (
		agentSeq int
		failed   = make(map[string]models.Feature)
	)

	for wave := 0; wave < waveSafetyCap; wave++ {
		features, err = writer.Load(ctx)
		if err != nil {
			return fmt.Errorf("load manifest for wave %d: %w", wave+1, err)
		}
		completed := make(map[string]bool, len(features))
		for _, f := range features {
			if f.Passes {
				completed[f.Description] = true
			}
		}

		var remaining []models.Feature
		_, nonBlocking = manifest.Partition(features)
		for _, f := range nonBlocking {
			if !f.Passes {
				if _, skip := failed[f.Description]; !skip {
					remaining = append(remaining, f)
				}
			}
		}
		if len(remaining) == 0 {
			break
		}

		ready := manifest.Ready(remaining, completed)
		if len(ready) == 0 {
			// Dependency cycle, or every dependency failed. Promote
			// everything rather than stalling the build.
			logger.Warn("No ready features, promoting all remaining", "remaining", len(remaining))
			ready = remaining
		}

		for start := 0; start < len(ready); start += maxParallelAgents {
			end := start + maxParallelAgents
			if end > len(ready) {
				end = len(ready)
			}
			batch := ready[start:end]

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				fatalErr error
			)
			for _, feature := range batch {
				agentSeq++
				label := fmt.Sprintf("subagent-%d", agentSeq)
				wg.Add(1)
				go func(feature models.Feature, label string) {
					defer wg.Done()
					err := c.runSubagent(ctx, build, state, sb, pub, writer, resets, feature, label)
					if err == nil {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if isFatal(err) {
						if fatalErr == nil {
							fatalErr = err
						}
						return
					}
					failed[feature.Description] = feature
					pub.Log(models.LogWarn, fmt.Sprintf("Feature failed, will retry: %s (%v)", feature.Description, err))
				}(feature, label)
			}
			wg.Wait()
			if fatalErr != nil {
				return fatalErr
			}
		}
	}

	// One sequential retry for everything that failed during the waves.
	for _, feature := range sortedFeatures(failed) {
		agentSeq++
		label := fmt.Sprintf("subagent-%d", agentSeq)
		pub.Log(models.LogInfo, fmt.Sprintf("Retrying feature: %s", feature.Description))
		if err := c.runSubagent(ctx, build, state, sb, pub, writer, resets, feature, label); err != nil {
			if isFatal(err) {
				return err
			}
			pub.Log(models.LogWarn, fmt.Sprintf("Feature failed after retry: %s (%v)", feature.Description, err))
		}
	}
	return nil
}

// runSubagent runs one scoped conversation for a single feature and records
// the outcome in the manifest on success. Every event it emits carries the
// agent label.
func (c *Controller) runSubagent(ctx context.Context, build *models.Build, state *registry.BuildState, sb sandbox.Sandbox, pub *events.Publisher, writer *manifest.Writer, resets *resetCounter, feature models.Feature, label string) error {
	apub := pub.WithAgent(label)
	apub.Event(models.Event{Type: models.EventFeatureStart, Description: feature.Description})

	sess := &session{
		client: c.llm,
		bridge: bridge.New(sb, apub),
		pub:    apub,
		state:  state,
		resets: resets,
		system: subagentSystem(label, feature),
		messages: []llm.Message{llm.TextMessage(llm.RoleUser,
			"Implement the feature described in your instructions, then reply "+sentinelFeatureComplete+".")},
		summary: func(ctx context.Context) string {
			return resetSummary([]models.Feature{feature}, phaseParallel)
		},
	}

	hook := func(_ context.Context, resp *llm.Response) (bool, error) {
		if strings.Contains(resp.Text(), sentinelFeatureComplete) {
			return true, nil
		}
		// An end_turn without the sentinel still counts: the subagent has
		// nothing left to do for its single feature.
		return len(resp.ToolCalls()) == 0, nil
	}

	if err := sess.run(ctx, subagentIterationCap, hook); err != nil {
		if errors.Is(err, errIterationCap) {
			return fmt.Errorf("feature %q exceeded %d iterations", feature.Description, subagentIterationCap)
		}
		return err
	}

	updated, err := writer.MarkPassed(ctx, feature.Description)
	if err != nil {
		return fmt.Errorf("record completion of %q: %w", feature.Description, err)
	}
	apub.Event(models.Event{Type: models.EventFeatureEnd, Description: feature.Description})
	c.publishProgress(ctx, build, pub, updated)
	return nil
}

func isFatal(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, errResetCapExceeded)
}

func countUnfinished(features []models.Feature) int {
	n := 0
	for _, f := range features {
		if !f.Passes {
			n++
		}
	}
	return n
}

func sortedFeatures(set map[string]models.Feature) []models.Feature {
	out := make([]models.Feature, 0, len(set))
	for _, f := range set {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Description < out[j].Description })
	return out
}
