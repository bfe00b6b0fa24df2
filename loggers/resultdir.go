package loggers

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/visiontrain/distributed"
)

const versionPrefix = "version_"

// Versions lists the version numbers present under dir in ascending order.
// A missing dir has no versions.
func Versions(fs afero.Fs, dir string) ([]int, error) {
	exists, err := afero.DirExists(fs, dir)
	if err != nil || !exists {
		return nil, err
	}
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	var versions []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), versionPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), versionPrefix))
		if err != nil || n < 0 {
			continue
		}
		versions = append(versions, n)
	}
	sort.Ints(versions)
	return versions, nil
}

// NewResultDir creates <root>/<project>/version_<N> with N one past the
// highest existing version. In a distributed group only the primary rank
// creates it; the other ranks wait on a barrier and take the latest
// version.
func NewResultDir(fs afero.Fs, root, project string, group distributed.Group) (string, error) {
	if group == nil {
		group = distributed.Single{}
	}
	base := filepath.Join(root, project)

	if distributed.IsPrimary(group) {
		versions, err := Versions(fs, base)
		if err != nil {
			return "", err
		}
		next := 0
		if len(versions) > 0 {
			next = versions[len(versions)-1] + 1
		}
		dir := filepath.Join(base, versionPrefix+strconv.Itoa(next))
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return "", errors.Wrapf(err, "create result directory %s", dir)
		}
		if err := group.Barrier(); err != nil {
			return "", err
		}
		return dir, nil
	}

	if err := group.Barrier(); err != nil {
		return "", err
	}
	versions, err := Versions(fs, base)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", errors.Errorf("no result directory under %s after barrier", base)
	}
	return filepath.Join(base, versionPrefix+strconv.Itoa(versions[len(versions)-1])), nil
}
