package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/pkg/models"
)

func boolPtr(b bool) *bool { return &b }

func TestParse(t *testing.T) {
	t.Run("valid manifest", func(t *testing.T) {
		data := []byte(`[
			{"category":"functional","description":"Home page renders","steps":["open /","see heading"],"passes":false},
			{"category":"style","description":"Dark theme","steps":[],"passes":true,"blocking":false,"dependsOn":["Home page renders"]}
		]`)
		features, err := Parse(data)
		require.NoError(t, err)
		require.Len(t, features, 2)
		assert.Equal(t, models.CategoryFunctional, features[0].Category)
		assert.True(t, features[0].IsBlocking())
		assert.False(t, features[1].IsBlocking())
		assert.Equal(t, []string{"Home page renders"}, features[1].DependsOn)
	})

	t.Run("empty array is unfinished planning", func(t *testing.T) {
		_, err := Parse([]byte(`[]`))
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := Parse([]byte(`{"not":"an array"`))
		assert.Error(t, err)
	})

	t.Run("nil steps normalized", func(t *testing.T) {
		features, err := Parse([]byte(`[{"category":"functional","description":"x","passes":false}]`))
		require.NoError(t, err)
		assert.NotNil(t, features[0].Steps)
	})
}

func TestEncodeRoundTrip(t *testing.T) {
	in := []models.Feature{
		{Category: models.CategoryFunctional, Description: "a", Steps: []string{"s"}, Passes: true},
		{Category: models.CategoryStyle, Description: "b", Steps: []string{}, Blocking: boolPtr(false), DependsOn: []string{"a"}},
	}
	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestProgress(t *testing.T) {
	features := []models.Feature{
		{Description: "a", Passes: true},
		{Description: "b", Passes: false},
		{Description: "c", Passes: true},
	}
	assert.Equal(t, models.Progress{Completed: 2, Total: 3}, Progress(features))
	assert.Equal(t, models.Progress{}, Progress(nil))
}

func TestPartition(t *testing.T) {
	features := []models.Feature{
		{Description: "a"},
		{Description: "b", Blocking: boolPtr(false)},
		{Description: "c", Blocking: boolPtr(true)},
		{Description: "d", Blocking: boolPtr(false)},
	}
	blocking, nonBlocking := Partition(features)
	require.Len(t, blocking, 2)
	require.Len(t, nonBlocking, 2)
	assert.Equal(t, "a", blocking[0].Description)
	assert.Equal(t, "c", blocking[1].Description)
	assert.Equal(t, "b", nonBlocking[0].Description)
	assert.Equal(t, "d", nonBlocking[1].Description)
}

func TestUnfinished(t *testing.T) {
	features := []models.Feature{
		{Description: "a", Passes: true},
		{Description: "b"},
		{Description: "c"},
		{Description: "d"},
	}
	assert.Equal(t, []string{"b", "c"}, Unfinished(features, 2))
	assert.Equal(t, []string{"b", "c", "d"}, Unfinished(features, 10))
}

func TestReady(t *testing.T) {
	remaining := []models.Feature{
		{Description: "b", DependsOn: []string{"a"}},
		{Description: "c", DependsOn: []string{"a", "b"}},
		{Description: "d"},
	}
	ready := Ready(remaining, map[string]bool{"a": true})
	require.Len(t, ready, 2)
	assert.Equal(t, "b", ready[0].Description)
	assert.Equal(t, "d", ready[1].Description)

	// A dependency cycle yields no ready features.
	cycle := []models.Feature{
		{Description: "x", DependsOn: []string{"y"}},
		{Description: "y", DependsOn: []string{"x"}},
	}
	assert.Empty(t, Ready(cycle, map[string]bool{}))
}
