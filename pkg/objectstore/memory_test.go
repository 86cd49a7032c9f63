package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	t.Run("upload and info", func(t *testing.T) {
		err := m.Upload(ctx, "builds/b1/artifacts.zip", []byte("zipbytes"), PutOptions{
			ContentType: "application/zip",
			Metadata:    map[string]string{"buildId": "b1"},
		})
		require.NoError(t, err)

		info, err := m.GetInfo(ctx, "builds/b1/artifacts.zip")
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Equal(t, int64(8), info.Size)

		data, contentType, ok := m.Object("builds/b1/artifacts.zip")
		require.True(t, ok)
		assert.Equal(t, []byte("zipbytes"), data)
		assert.Equal(t, "application/zip", contentType)
	})

	t.Run("exists", func(t *testing.T) {
		ok, err := m.Exists(ctx, "builds/b1/artifacts.zip")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = m.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("signed url", func(t *testing.T) {
		url, err := m.GetSignedURL(ctx, "builds/b1/artifacts.zip", time.Hour)
		require.NoError(t, err)
		assert.Contains(t, url, "builds/b1/artifacts.zip")

		_, err = m.GetSignedURL(ctx, "missing", time.Hour)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing info is nil", func(t *testing.T) {
		info, err := m.GetInfo(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, info)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, m.Delete(ctx, "builds/b1/artifacts.zip"))
		ok, err := m.Exists(ctx, "builds/b1/artifacts.zip")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
