package loggers

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/distributed"
)

func TestNewResultDirIncrementsVersion(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("out/proj/version_3", 0755))
	require.NoError(t, fs.MkdirAll("out/proj/version_x", 0755))
	require.NoError(t, afero.WriteFile(fs, "out/proj/version_9", []byte("not a dir"), 0644))

	dir, err := NewResultDir(fs, "out", "proj", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("out", "proj", "version_4"), dir)

	dir, err = NewResultDir(fs, "out", "proj", distributed.Single{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("out", "proj", "version_5"), dir)

	versions, err := Versions(fs, "out/proj")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, versions)
}

func TestNewResultDirFreshProject(t *testing.T) {
	fs := afero.NewMemMapFs()
	versions, err := Versions(fs, "out/none")
	require.NoError(t, err)
	assert.Empty(t, versions)

	dir, err := NewResultDir(fs, "out", "none", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("out", "none", "version_0"), dir)
}

func TestNewResultDirSharedAcrossRanks(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("out/proj/version_1", 0755))
	group, err := distributed.NewLocalWorld(3)
	require.NoError(t, err)

	dirs := make([]string, len(group))
	var wg sync.WaitGroup
	for i, g := range group {
		wg.Add(1)
		go func(i int, g *distributed.LocalGroup) {
			defer wg.Done()
			dir, err := NewResultDir(fs, "out", "proj", g)
			assert.NoError(t, err)
			dirs[i] = dir
		}(i, g)
	}
	wg.Wait()

	want := filepath.Join("out", "proj", "version_2")
	assert.Equal(t, []string{want, want, want}, dirs)
}
