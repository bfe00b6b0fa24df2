package dataset

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/training"
)

// SyntheticSpec sizes a synthetic dataset. Samples are generated from
// Seed and their index alone, so two datasets with equal specs are equal.
type SyntheticSpec struct {
	Samples    int
	Size       int
	NumClasses int
	Channels   int
	Seed       int64
}

func (s SyntheticSpec) withDefaults() SyntheticSpec {
	if s.Channels < 1 {
		s.Channels = 3
	}
	if s.NumClasses < 2 {
		s.NumClasses = 2
	}
	if s.Size < 4 {
		s.Size = 4
	}
	return s
}

type synthetic struct {
	kind string
	spec SyntheticSpec
}

func (d *synthetic) Len() int { return d.spec.Samples }

func (d *synthetic) NumClasses() int { return d.spec.NumClasses }

func (d *synthetic) Task() string { return d.kind }

func (d *synthetic) Shape() [3]int { return [3]int{d.spec.Channels, d.spec.Size, d.spec.Size} }

func (d *synthetic) Key(index int) string {
	return fmt.Sprintf("synthetic/%s/%d/%d", d.kind, d.spec.Seed, index)
}

func (d *synthetic) rng(index int) (*rand.Rand, error) {
	if index < 0 || index >= d.spec.Samples {
		return nil, errors.Errorf("index %d out of range [0, %d)", index, d.spec.Samples)
	}
	return rand.New(rand.NewSource(d.spec.Seed*1000003 + int64(index))), nil
}

func (d *synthetic) noise(rng *rand.Rand) []float32 {
	s := d.spec
	img := make([]float32, s.Channels*s.Size*s.Size)
	for i := range img {
		img[i] = float32(rng.NormFloat64() * 0.05)
	}
	return img
}

// fillRect adds value to every channel of img inside [x1, x2) x [y1, y2).
func (d *synthetic) fillRect(img []float32, x1, y1, x2, y2 int, value float32) {
	size := d.spec.Size
	plane := size * size
	for c := 0; c < d.spec.Channels; c++ {
		for y := y1; y < y2; y++ {
			for x := x1; x < x2; x++ {
				img[c*plane+y*size+x] += value
			}
		}
	}
}

// randomRect picks a rectangle covering between a quarter and a half of
// each side.
func (d *synthetic) randomRect(rng *rand.Rand) (x1, y1, x2, y2 int) {
	size := d.spec.Size
	lo := max(1, size/4)
	w := lo + rng.Intn(max(1, size/2-lo+1))
	h := lo + rng.Intn(max(1, size/2-lo+1))
	x1 = rng.Intn(size - w + 1)
	y1 = rng.Intn(size - h + 1)
	return x1, y1, x1 + w, y1 + h
}

// SyntheticClassification draws noise around a class-specific level per
// channel. The label of index i is i mod NumClasses.
type SyntheticClassification struct{ synthetic }

func NewSyntheticClassification(spec SyntheticSpec) *SyntheticClassification {
	return &SyntheticClassification{synthetic{kind: config.TaskClassification, spec: spec.withDefaults()}}
}

func (d *SyntheticClassification) Get(index int) (*Sample, error) {
	rng, err := d.rng(index)
	if err != nil {
		return nil, err
	}
	s := d.spec
	label := index % s.NumClasses
	img := d.noise(rng)
	plane := s.Size * s.Size
	for c := 0; c < s.Channels; c++ {
		level := float32((label+c)%s.NumClasses+1) / float32(s.NumClasses+1)
		for p := 0; p < plane; p++ {
			img[c*plane+p] += level
		}
	}
	return &Sample{Image: img, Label: label}, nil
}

// SyntheticSegmentation paints one or two rectangles of foreground
// classes 1..NumClasses-1 over background class 0. Edge marks pixels whose
// right or lower neighbour has another class.
type SyntheticSegmentation struct{ synthetic }

func NewSyntheticSegmentation(spec SyntheticSpec) *SyntheticSegmentation {
	return &SyntheticSegmentation{synthetic{kind: config.TaskSegmentation, spec: spec.withDefaults()}}
}

func (d *SyntheticSegmentation) Get(index int) (*Sample, error) {
	rng, err := d.rng(index)
	if err != nil {
		return nil, err
	}
	s := d.spec
	img := d.noise(rng)
	mask := make([]float32, s.Size*s.Size)
	shapes := 1 + rng.Intn(2)
	for i := 0; i < shapes; i++ {
		cls := 1 + rng.Intn(s.NumClasses-1)
		x1, y1, x2, y2 := d.randomRect(rng)
		d.fillRect(img, x1, y1, x2, y2, float32(cls)/float32(s.NumClasses))
		for y := y1; y < y2; y++ {
			for x := x1; x < x2; x++ {
				mask[y*s.Size+x] = float32(cls)
			}
		}
	}
	return &Sample{Image: img, Mask: mask, Edge: edges(mask, s.Size)}, nil
}

func edges(mask []float32, size int) []float32 {
	edge := make([]float32, len(mask))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := mask[y*size+x]
			if (x+1 < size && mask[y*size+x+1] != v) || (y+1 < size && mask[(y+1)*size+x] != v) {
				edge[y*size+x] = 1
			}
		}
	}
	return edge
}

// SyntheticDetection places one to three boxes of classes 0..NumClasses-1.
// Boxes are (x1, y1, x2, y2) in pixels.
type SyntheticDetection struct{ synthetic }

func NewSyntheticDetection(spec SyntheticSpec) *SyntheticDetection {
	return &SyntheticDetection{synthetic{kind: config.TaskDetection, spec: spec.withDefaults()}}
}

func (d *SyntheticDetection) Get(index int) (*Sample, error) {
	rng, err := d.rng(index)
	if err != nil {
		return nil, err
	}
	s := d.spec
	img := d.noise(rng)
	n := 1 + rng.Intn(3)
	sample := &Sample{Image: img}
	for i := 0; i < n; i++ {
		cls := rng.Intn(s.NumClasses)
		x1, y1, x2, y2 := d.randomRect(rng)
		d.fillRect(img, x1, y1, x2, y2, float32(cls+1)/float32(s.NumClasses+1))
		sample.Boxes = append(sample.Boxes, training.Box{float32(x1), float32(y1), float32(x2), float32(y2)})
		sample.BoxLabels = append(sample.BoxLabels, cls)
	}
	return sample, nil
}
