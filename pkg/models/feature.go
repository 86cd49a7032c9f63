package models

// FeatureCategory classifies a manifest entry.
type FeatureCategory string

const (
	CategoryFunctional FeatureCategory = "functional"
	CategoryStyle      FeatureCategory = "style"
)

// Feature is a single testable unit of work tracked in feature_list.json.
// The JSON shape is a wire contract shared with the LLM and the UI; field
// names and optionality must not change.
type Feature struct {
	Category    FeatureCategory `json:"category"`
	Description string          `json:"description"`
	Steps       []string        `json:"steps"`
	Passes      bool            `json:"passes"`
	Blocking    *bool           `json:"blocking,omitempty"`
	DependsOn   []string        `json:"dependsOn,omitempty"`
}

// IsBlocking reports whether the feature must complete before the parallel
// phase may start. Absent means blocking.
func (f *Feature) IsBlocking() bool {
	return f.Blocking == nil || *f.Blocking
}
