package training

import (
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/visiontrain/config"
	"github.com/tsawler/visiontrain/tensor"
)

// sliceLoader replays fixed batches. onNext runs before each batch is
// returned.
type sliceLoader struct {
	batches []*Batch
	pos     int
	classes int
	onNext  func()
}

func (l *sliceLoader) Len() int        { return len(l.batches) }
func (l *sliceLoader) Reset()          { l.pos = 0 }
func (l *sliceLoader) NumClasses() int { return l.classes }

func (l *sliceLoader) Next() (*Batch, error) {
	if l.pos >= len(l.batches) {
		return nil, io.EOF
	}
	if l.onNext != nil {
		l.onNext()
	}
	b := l.batches[l.pos]
	l.pos++
	return b, nil
}

type recordingSink struct {
	dir      string
	updated  []int
	epochs   []EpochLog
	tests    []TestLog
	end      *TrainingSummary
	statuses []RunStatus
}

func (s *recordingSink) UpdateEpoch(epoch int) { s.updated = append(s.updated, epoch) }

func (s *recordingSink) LogEpoch(rec EpochLog) error {
	s.epochs = append(s.epochs, rec)
	return nil
}

func (s *recordingSink) LogTest(rec TestLog) error {
	s.tests = append(s.tests, rec)
	return nil
}

func (s *recordingSink) LogEnd(summary *TrainingSummary) error {
	s.end = summary
	return nil
}

func (s *recordingSink) ResultDir() string { return s.dir }

func (s *recordingSink) LogStatus(status RunStatus, err error) error {
	s.statuses = append(s.statuses, status)
	return nil
}

// classBatch builds a [n, 1, 2, 2] batch with indices starting at first.
func classBatch(t *testing.T, rng *rand.Rand, first, n, classes int) *Batch {
	t.Helper()
	images, err := tensor.RandomNormal([]int{n, 1, 2, 2}, 0, 1, rng)
	require.NoError(t, err)
	b := &Batch{Images: images, Indices: make([]int, n), Labels: make([]int, n)}
	for i := 0; i < n; i++ {
		b.Indices[i] = first + i
		b.Labels[i] = (first + i) % classes
	}
	return b
}

func classLoader(t *testing.T, seed int64, sizes ...int) *sliceLoader {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	l := &sliceLoader{classes: 3}
	next := 0
	for _, n := range sizes {
		l.batches = append(l.batches, classBatch(t, rng, next, n, 3))
		next += n
	}
	return l
}

func testConfig() *config.Config {
	conf := config.Default()
	conf.Training.Epochs = 3
	conf.Training.LR = 0.1
	conf.Training.Scheduler.Name = "constant"
	conf.Logging.ValidFreq = 1
	conf.Logging.NumSamples = 16
	conf.Logging.ProgressBar = false
	conf.Augmentation.ImgSize = 2
	return conf
}
