package orchestrator

import (
	"fmt"
	"strings"

	"github.com/forgebuild/forge/pkg/manifest"
	"github.com/forgebuild/forge/pkg/models"
)

const plannerPrompt = `You are the planning agent for an automated app builder.
Your workspace is /home/user inside a disposable Linux sandbox; the user's
application specification is in /home/user/app_spec.txt.

Produce a feature manifest at /home/user/feature_list.json: a JSON array of
objects {"category": "functional"|"style", "description": string,
"steps": [string], "passes": false, "blocking": bool, "dependsOn": [string]}.

Rules:
- description must be unique within the manifest; dependsOn entries refer to
  other features by description.
- blocking features form the core the app cannot work without; they are built
  first, in order. Non-blocking features may run in parallel later, so give
  them dependsOn markers when they touch the same files.
- Every feature starts with "passes": false.
- Write the full file in one write_file call once you are confident in it.`

const plannerUIAddendum = `
This project has a user interface. Before writing the manifest, write a short
/home/user/DESIGN.md describing layout, color palette, typography, and the
overall visual direction. Include style features in the manifest that realize
that design.`

const builderPrompt = `You are the implementation agent for an automated app
builder. Your workspace is /home/user; the spec is in app_spec.txt and the
feature manifest in feature_list.json.

Work through the blocking features in manifest order. For each one: implement
it with the tools, verify it (run commands, read files), then rewrite
feature_list.json with that feature's "passes" set to true. Never set a
passing feature back to false, never remove or reorder entries.

When every blocking feature passes, reply with the single token
BLOCKING_COMPLETE.`

const subagentPrompt = `You are an implementation subagent for an automated
app builder. Your workspace is /home/user (shared with other agents); the
spec is in app_spec.txt and the feature manifest in feature_list.json.

Implement exactly one feature, described below. Touch only what this feature
needs; other agents may be working on other files. Do NOT edit
feature_list.json; the orchestrator records completion.

When the feature is implemented and verified, reply with the single token
FEATURE_COMPLETE.

Feature %s:
Description: %s
Steps:
%s`

const designResearchPrompt = `You are a design researcher. Given an app
specification, use web search to find 3-5 reference sites or design systems
relevant to this kind of product. Produce a short markdown document with the
references and concrete visual insights (layout patterns, palettes,
typography) an implementation agent can apply. Keep it under 400 words.`

// buildPlannerSystem assembles the planning system prompt from the base
// instructions, the UI addendum, and the design-research block.
func buildPlannerSystem(isUI bool, research string, targetFeatures int) string {
	var sb strings.Builder
	sb.WriteString(plannerPrompt)
	fmt.Fprintf(&sb, "\n\nAim for roughly %d features.", targetFeatures)
	if isUI {
		sb.WriteString(plannerUIAddendum)
	}
	if research != "" {
		sb.WriteString("\n\nDesign research for this project:\n\n")
		sb.WriteString(research)
	}
	return sb.String()
}

func subagentSystem(agentLabel string, feature models.Feature) string {
	steps := "- (none listed)"
	if len(feature.Steps) > 0 {
		steps = "- " + strings.Join(feature.Steps, "\n- ")
	}
	return fmt.Sprintf(subagentPrompt, agentLabel, feature.Description, steps)
}

// resetSummary is the opening prompt after a context reset: current counts
// plus the next unfinished work.
func resetSummary(features []models.Feature, phase string) string {
	progress := "The feature manifest could not be read; load /home/user/feature_list.json first."
	var unfinished []string
	if len(features) > 0 {
		p := manifest.Progress(features)
		progress = fmt.Sprintf("Progress so far: %d of %d features pass.", p.Completed, p.Total)
		unfinished = manifest.Unfinished(features, 10)
	}
	var sb strings.Builder
	sb.WriteString("The previous conversation was reset to free context. ")
	sb.WriteString("You are mid-way through the ")
	sb.WriteString(phase)
	sb.WriteString(" phase of an automated app build in /home/user.\n\n")
	sb.WriteString(progress)
	if len(unfinished) > 0 {
		sb.WriteString("\nNext unfinished features:\n")
		for _, desc := range unfinished {
			sb.WriteString("- ")
			sb.WriteString(desc)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nRe-read feature_list.json and continue from there.")
	return sb.String()
}
