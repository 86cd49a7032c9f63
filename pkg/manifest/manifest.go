// Package manifest parses and mutates the feature manifest
// (feature_list.json) and computes build progress from it.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forgebuild/forge/pkg/models"
)

// FileName is the manifest file name the planner must produce.
const FileName = "feature_list.json"

// DefaultPath is where the manifest lives inside the sandbox workspace.
const DefaultPath = "/home/user/feature_list.json"

// ErrEmpty is returned when the manifest parses but contains no features.
var ErrEmpty = errors.New("manifest: no features")

// Parse decodes a manifest from its JSON wire form. The manifest is a JSON
// array of feature objects; an empty array is an error because planning is
// considered unfinished until at least one feature exists.
func Parse(data []byte) ([]models.Feature, error) {
	var features []models.Feature
	if err := json.Unmarshal(data, &features); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	if len(features) == 0 {
		return nil, ErrEmpty
	}
	for i := range features {
		if features[i].Steps == nil {
			features[i].Steps = []string{}
		}
	}
	return features, nil
}

// Encode serializes features back to the wire form. Two-space indentation
// keeps the file diffable when the agent rewrites it.
func Encode(features []models.Feature) ([]byte, error) {
	data, err := json.MarshalIndent(features, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("manifest: encode: %w", err)
	}
	return data, nil
}

// Progress counts passing features against the total.
func Progress(features []models.Feature) models.Progress {
	p := models.Progress{Total: len(features)}
	for i := range features {
		if features[i].Passes {
			p.Completed++
		}
	}
	return p
}

// Partition splits the manifest into blocking and non-blocking features,
// preserving manifest order within each partition.
func Partition(features []models.Feature) (blocking, nonBlocking []models.Feature) {
	for _, f := range features {
		if f.IsBlocking() {
			blocking = append(blocking, f)
		} else {
			nonBlocking = append(nonBlocking, f)
		}
	}
	return blocking, nonBlocking
}

// AllPass reports whether every feature in the slice passes.
func AllPass(features []models.Feature) bool {
	for i := range features {
		if !features[i].Passes {
			return false
		}
	}
	return true
}

// Unfinished returns descriptions of up to limit features that do not pass
// yet, in manifest order. Used to rebuild a summary prompt after a context
// reset.
func Unfinished(features []models.Feature, limit int) []string {
	var out []string
	for i := range features {
		if features[i].Passes {
			continue
		}
		out = append(out, features[i].Description)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Ready returns the non-blocking features whose dependencies are all in
// completed. remaining preserves manifest order.
func Ready(remaining []models.Feature, completed map[string]bool) []models.Feature {
	var ready []models.Feature
	for _, f := range remaining {
		ok := true
		for _, dep := range f.DependsOn {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, f)
		}
	}
	return ready
}
