package dataset

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/visiontrain/config"
)

// ImageFolderDataset is a classification dataset laid out as one
// sub-directory per class under a root.
type ImageFolderDataset struct {
	fs         afero.Fs
	size       int
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset scans root. Class indices follow the sorted
// directory names; images are decoded lazily at size x size.
func NewImageFolderDataset(fs afero.Fs, root string, extensions []string, size int) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg", ".png"}
	}

	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, errors.Wrapf(err, "list classes in %s", root)
	}

	d := &ImageFolderDataset{fs: fs, size: size, classToIdx: make(map[string]int)}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		className := entry.Name()
		classIdx := len(d.classNames)
		d.classNames = append(d.classNames, className)
		d.classToIdx[className] = classIdx

		var files []string
		for _, ext := range extensions {
			matches, err := afero.Glob(fs, filepath.Join(root, className, "*"+ext))
			if err != nil {
				return nil, errors.Wrapf(err, "list images of class %s", className)
			}
			files = append(files, matches...)
		}
		sort.Strings(files)
		for _, file := range files {
			d.imagePaths = append(d.imagePaths, file)
			d.labels = append(d.labels, classIdx)
		}
	}

	if len(d.imagePaths) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}
	return d, nil
}

func (d *ImageFolderDataset) Len() int { return len(d.imagePaths) }

func (d *ImageFolderDataset) NumClasses() int { return len(d.classNames) }

func (d *ImageFolderDataset) Task() string { return config.TaskClassification }

func (d *ImageFolderDataset) Shape() [3]int { return [3]int{3, d.size, d.size} }

func (d *ImageFolderDataset) Key(index int) string { return d.imagePaths[index] }

func (d *ImageFolderDataset) ClassNames() []string { return d.classNames }

// Path returns the file and label of index without decoding it.
func (d *ImageFolderDataset) Path(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

func (d *ImageFolderDataset) Get(index int) (*Sample, error) {
	path, label, err := d.Path(index)
	if err != nil {
		return nil, err
	}
	f, err := d.fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	img, err := DecodeImage(f, d.size)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return &Sample{Image: img, Label: label}, nil
}

// ClassDistribution counts samples per class name.
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// Split divides the dataset into train and validation parts. A nil rng
// keeps the scan order.
func (d *ImageFolderDataset) Split(trainRatio float64, rng *rand.Rand) (*ImageFolderDataset, *ImageFolderDataset) {
	n := len(d.imagePaths)
	trainSize := int(float64(n) * trainRatio)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}
	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:])
}

// Subset keeps the samples at indices, in that order.
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		fs:         d.fs,
		size:       d.size,
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}
	return subset
}

func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames)))
	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}
	return sb.String()
}
