package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgebuild/forge/pkg/models"
)

func TestDetectUI(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want bool
	}{
		{"two keywords", "a react dashboard for metrics", true},
		{"one keyword", "a dashboard", false},
		{"no keywords", "a tcp proxy with connection pooling", false},
		{"case insensitive", "A RESPONSIVE LANDING site", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectUI(tt.spec))
		})
	}
}

func TestInferTier(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want models.ComplexityTier
	}{
		{"simple", "a short note taking cli", models.TierSimple},
		{"one production hit", "a blog with login", models.TierStandard},
		{"long spec", strings.Repeat("requirements ", 60), models.TierStandard},
		{"production", "auth, payment processing, and a database for multi-user accounts", models.TierProduction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferTier(tt.spec))
		})
	}
}

func TestEstimateComplexity(t *testing.T) {
	t.Run("fills tier and target", func(t *testing.T) {
		b := &models.Build{AppSpec: "a short note taking cli"}
		got := estimateComplexity(b)
		assert.Equal(t, models.TierSimple, b.ComplexityTier)
		assert.Equal(t, 10, got)
		assert.Equal(t, 10, b.TargetFeatureCount)
	})

	t.Run("respects explicit values", func(t *testing.T) {
		b := &models.Build{AppSpec: "anything", ComplexityTier: models.TierProduction, TargetFeatureCount: 42}
		assert.Equal(t, 42, estimateComplexity(b))
		assert.Equal(t, models.TierProduction, b.ComplexityTier)
	})

	t.Run("caps the target", func(t *testing.T) {
		b := &models.Build{AppSpec: "anything", TargetFeatureCount: 500}
		assert.Equal(t, featureCountCap, estimateComplexity(b))
	})

	t.Run("explicit tier fills target", func(t *testing.T) {
		b := &models.Build{AppSpec: "anything", ComplexityTier: models.TierStandard}
		assert.Equal(t, 30, estimateComplexity(b))
	})
}

func TestBuildPlannerSystem(t *testing.T) {
	plain := buildPlannerSystem(false, "", 30)
	assert.Contains(t, plain, "roughly 30 features")
	assert.NotContains(t, plain, "DESIGN.md")

	ui := buildPlannerSystem(true, "use a muted palette", 60)
	assert.Contains(t, ui, "DESIGN.md")
	assert.Contains(t, ui, "use a muted palette")
}

func TestResetSummary(t *testing.T) {
	t.Run("without manifest", func(t *testing.T) {
		s := resetSummary(nil, phasePlanning)
		assert.Contains(t, s, "planning")
		assert.Contains(t, s, "could not be read")
	})

	t.Run("with progress", func(t *testing.T) {
		features := []models.Feature{
			feat("login", true, true),
			feat("profile page", true, false),
		}
		s := resetSummary(features, phaseBuilding)
		assert.Contains(t, s, "1 of 2 features pass")
		assert.Contains(t, s, "profile page")
		assert.NotContains(t, s, "- login")
	})
}

func TestSubagentSystem(t *testing.T) {
	f := feat("search bar", false, false)
	s := subagentSystem("subagent-3", f)
	assert.Contains(t, s, "subagent-3")
	assert.Contains(t, s, "search bar")
	assert.Contains(t, s, "- implement")

	f.Steps = nil
	s = subagentSystem("subagent-4", f)
	assert.Contains(t, s, "(none listed)")
}
