// Package models defines the domain types shared across Forge:
// builds, features, events, and log entries.
package models

import "time"

// BuildStatus represents the lifecycle state of a build.
type BuildStatus string

const (
	StatusPending               BuildStatus = "PENDING"
	StatusInitializing          BuildStatus = "INITIALIZING"
	StatusRunning               BuildStatus = "RUNNING"
	StatusPaused                BuildStatus = "PAUSED"
	StatusAwaitingDesignReview  BuildStatus = "AWAITING_DESIGN_REVIEW"
	StatusAwaitingFeatureReview BuildStatus = "AWAITING_FEATURE_REVIEW"
	StatusCompleted             BuildStatus = "COMPLETED"
	StatusFailed                BuildStatus = "FAILED"
	StatusCancelled             BuildStatus = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
func (s BuildStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known build status.
func (s BuildStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInitializing, StatusRunning, StatusPaused,
		StatusAwaitingDesignReview, StatusAwaitingFeatureReview,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ComplexityTier buckets an app spec by estimated implementation effort.
type ComplexityTier string

const (
	TierSimple     ComplexityTier = "simple"
	TierStandard   ComplexityTier = "standard"
	TierProduction ComplexityTier = "production"
)

// Progress tracks feature completion for a build.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Build is the top-level unit of work: one end-to-end run of the
// orchestrator for one app specification.
type Build struct {
	ID                 string         `json:"id"`
	OwnerID            string         `json:"ownerId"`
	AppSpec            string         `json:"appSpec"`
	Status             BuildStatus    `json:"status"`
	CreatedAt          time.Time      `json:"createdAt"`
	StartedAt          *time.Time     `json:"startedAt,omitempty"`
	Progress           Progress       `json:"progress"`
	ArtifactKey        *string        `json:"artifactKey,omitempty"`
	SandboxID          *string        `json:"sandboxId,omitempty"`
	OutputURL          *string        `json:"outputUrl,omitempty"`
	ReviewGatesEnabled bool           `json:"reviewGatesEnabled"`
	ComplexityTier     ComplexityTier `json:"complexityTier,omitempty"`
	TargetFeatureCount int            `json:"targetFeatureCount,omitempty"`
	Error              *string        `json:"error,omitempty"`
}

// CanTransition reports whether the build state machine allows moving
// from the current status to next.
func (b *Build) CanTransition(next BuildStatus) bool {
	if b.Status == next {
		return false
	}
	switch b.Status {
	case StatusPending:
		return next == StatusInitializing || next == StatusCancelled || next == StatusFailed
	case StatusInitializing:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		switch next {
		case StatusAwaitingDesignReview, StatusAwaitingFeatureReview,
			StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
			return true
		}
		return false
	case StatusPaused:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusAwaitingDesignReview, StatusAwaitingFeatureReview:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	}
	// Terminal states never transition.
	return false
}

// ReviewGate identifies a user-approval checkpoint during planning.
type ReviewGate string

const (
	GateDesign  ReviewGate = "design"
	GateFeature ReviewGate = "feature"
)

// GateApproval carries an approval decision for a review gate. EditedContent,
// when non-empty, replaces the planning artifact before the build resumes.
type GateApproval struct {
	Gate          ReviewGate `json:"gate"`
	EditedContent string     `json:"editedContent,omitempty"`
}

// CreateBuildRequest is the body of POST /builds.
type CreateBuildRequest struct {
	AppSpec            string         `json:"appSpec" binding:"required"`
	ComplexityTier     ComplexityTier `json:"complexityTier,omitempty"`
	TargetFeatureCount int            `json:"targetFeatureCount,omitempty"`
	ReviewGatesEnabled bool           `json:"reviewGatesEnabled,omitempty"`
}
