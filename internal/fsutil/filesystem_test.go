package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations must behave the same for the operations feature I/O uses.
func TestFileSystems(t *testing.T) {
	tests := []struct {
		name string
		fs   FileSystem
		root string
	}{
		{"os", OSFileSystem{}, t.TempDir()},
		{"memory", NewMemoryFileSystem(), "/work"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(tt.root, "out", "n100")
			require.NoError(t, tt.fs.MkdirAll(dir, 0o755))
			assert.True(t, tt.fs.Exists(dir))

			name := filepath.Join(dir, "points.geojson")
			assert.False(t, tt.fs.Exists(name))
			require.NoError(t, tt.fs.WriteFile(name, []byte(`{"type":"FeatureCollection"}`), 0o644))
			assert.True(t, tt.fs.Exists(name))

			data, err := tt.fs.ReadFile(name)
			require.NoError(t, err)
			assert.Equal(t, `{"type":"FeatureCollection"}`, string(data))

			_, err = tt.fs.ReadFile(filepath.Join(dir, "missing.geojson"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, fs.ErrNotExist))
		})
	}
}

func TestMemoryFileSystem_CopiesData(t *testing.T) {
	m := NewMemoryFileSystem()
	buf := []byte("abc")
	require.NoError(t, m.WriteFile("/a/b.txt", buf, 0o644))
	buf[0] = 'x'

	data, err := m.ReadFile("/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	data[1] = 'y'
	again, err := m.ReadFile("/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestMemoryFileSystem_ParentsAndFiles(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/out/run/b.geojson", nil, 0o644))
	require.NoError(t, m.WriteFile("/out/run/a.geojson", nil, 0o644))
	require.NoError(t, m.WriteFile("/other/c.geojson", nil, 0o644))

	assert.True(t, m.Exists("/out"))
	assert.True(t, m.Exists("/out/run"))
	assert.Equal(t, []string{"/out/run/a.geojson", "/out/run/b.geojson"}, m.Files("/out"))

	assert.Error(t, m.MkdirAll("/out/run/a.geojson", 0o755))
	assert.Error(t, m.WriteFile("/out/run", nil, 0o644))
}
