package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/visiontrain/checkpoints"
	"github.com/tsawler/visiontrain/tensor"
)

// Phase selects the accumulator bucket a loss or metric update targets.
type Phase string

const (
	PhaseTrain Phase = "train"
	PhaseValid Phase = "valid"
	PhaseTest  Phase = "test"
)

// SentinelIndex marks padding rows added by uneven distributed sharding.
const SentinelIndex = -1

// Box is an axis aligned box as x1, y1, x2, y2 in pixels.
type Box [4]float32

func (b Box) Area() float32 {
	w, h := b[2]-b[0], b[3]-b[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU is the intersection over union of two boxes.
func (b Box) IoU(o Box) float32 {
	x1, y1 := maxf(b[0], o[0]), maxf(b[1], o[1])
	x2, y2 := minf(b[2], o[2]), minf(b[3], o[3])
	inter := Box{x1, y1, x2, y2}.Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

// Batch is one collated batch. Only the fields of the active task are set.
type Batch struct {
	Indices   []int          // dataset indices, SentinelIndex for padding
	Images    *tensor.Tensor // [N, C, H, W]
	Labels    []int          // classification labels
	Masks     *tensor.Tensor // [N, H, W] segmentation label maps
	Edges     *tensor.Tensor // [N, H, W] optional boundary maps
	Boxes     [][]Box        // detection boxes per image
	BoxLabels [][]int        // detection classes per image
}

func (b *Batch) Len() int {
	return len(b.Indices)
}

// ValidRows returns the positions whose index is not the sentinel.
func (b *Batch) ValidRows() []int {
	rows := make([]int, 0, len(b.Indices))
	for i, idx := range b.Indices {
		if idx != SentinelIndex {
			rows = append(rows, i)
		}
	}
	return rows
}

// Select keeps the given rows of every per-sample field.
func (b *Batch) Select(rows []int) (*Batch, error) {
	out := &Batch{Indices: make([]int, len(rows))}
	for i, r := range rows {
		if r < 0 || r >= len(b.Indices) {
			return nil, errors.Errorf("batch row %d out of range [0, %d)", r, len(b.Indices))
		}
		out.Indices[i] = b.Indices[r]
	}

	var err error
	if out.Images, err = selectRows(b.Images, rows); err != nil {
		return nil, errors.Wrapf(err, "select images")
	}
	if out.Masks, err = selectRows(b.Masks, rows); err != nil {
		return nil, errors.Wrapf(err, "select masks")
	}
	if out.Edges, err = selectRows(b.Edges, rows); err != nil {
		return nil, errors.Wrapf(err, "select edges")
	}
	if out.Labels, err = pick(b.Labels, rows, len(b.Indices)); err != nil {
		return nil, errors.Wrapf(err, "select labels")
	}
	if out.Boxes, err = pick(b.Boxes, rows, len(b.Indices)); err != nil {
		return nil, errors.Wrapf(err, "select boxes")
	}
	if out.BoxLabels, err = pick(b.BoxLabels, rows, len(b.Indices)); err != nil {
		return nil, errors.Wrapf(err, "select box labels")
	}
	return out, nil
}

// WithoutSentinels drops padding rows; the batch is returned unchanged when
// it has none.
func (b *Batch) WithoutSentinels() (*Batch, error) {
	rows := b.ValidRows()
	if len(rows) == len(b.Indices) {
		return b, nil
	}
	return b.Select(rows)
}

// ToDevice moves the tensors of the batch to device.
func (b *Batch) ToDevice(device tensor.DeviceType) *Batch {
	moved := *b
	moved.Images = b.Images.ToDevice(device)
	moved.Masks = b.Masks.ToDevice(device)
	moved.Edges = b.Edges.ToDevice(device)
	return &moved
}

func selectRows(t *tensor.Tensor, rows []int) (*tensor.Tensor, error) {
	if t == nil {
		return nil, nil
	}
	return t.SelectRows(rows)
}

// pick selects rows of a per-sample field; nil fields stay nil.
func pick[T any](items []T, rows []int, n int) ([]T, error) {
	if items == nil {
		return nil, nil
	}
	if len(items) != n {
		return nil, errors.Errorf("field has %d entries for %d samples", len(items), n)
	}
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = items[r]
	}
	return out, nil
}

// Target is what a loss is computed against.
type Target struct {
	Labels    []int
	Masks     *tensor.Tensor
	Edges     *tensor.Tensor
	Boxes     [][]Box
	BoxLabels [][]int
	ImageSize [2]int // H, W; detection boxes are normalized by it
}

// Predictions is a per-sample collection of predictions or ground truth.
type Predictions interface {
	Len() int
}

// ClassLabels holds one class id per sample.
type ClassLabels []int

func (c ClassLabels) Len() int { return len(c) }

// MaskSet holds [N, H, W] label maps.
type MaskSet struct {
	Masks *tensor.Tensor
}

func (m MaskSet) Len() int { return m.Masks.Len() }

// Detections are the boxes found in one image.
type Detections struct {
	Boxes  []Box     `json:"boxes"`
	Scores []float32 `json:"scores,omitempty"`
	Labels []int     `json:"labels"`
}

// DetectionSet holds Detections per image.
type DetectionSet []Detections

func (d DetectionSet) Len() int { return len(d) }

// StepResult is what a task step hands back to the orchestrator for sample
// logging and deferred metrics.
type StepResult struct {
	Images *tensor.Tensor
	Target Predictions
	Pred   Predictions
}

// NumPreds is the number of predicted items, used against the sample cap.
func (r *StepResult) NumPreds() int {
	if r == nil || r.Pred == nil {
		return 0
	}
	return r.Pred.Len()
}

// Output is a forward result keyed by head name ("logits", "boxes",
// "class_logits"). It remembers how to push gradients back into the model.
type Output struct {
	Tensors  map[string]*tensor.Tensor
	backward func(grads map[string][]float32) error
}

// NewOutput wraps tensors with an optional backward function.
func NewOutput(tensors map[string]*tensor.Tensor, backward func(grads map[string][]float32) error) *Output {
	return &Output{Tensors: tensors, backward: backward}
}

func (o *Output) Get(key string) (*tensor.Tensor, error) {
	t, ok := o.Tensors[key]
	if !ok || t == nil {
		return nil, errors.Errorf("model output has no %q head", key)
	}
	return t, nil
}

// Backward accumulates parameter gradients for the given output gradients.
func (o *Output) Backward(grads map[string][]float32) error {
	if o.backward == nil {
		return errors.New("model output does not support backward")
	}
	return o.backward(grads)
}

// Module is the model contract the task pipelines drive.
type Module interface {
	Forward(input *tensor.Tensor) (*Output, error)
	Parameters() []*tensor.Tensor
	StateDict() map[string]*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}

// MACCounter is implemented by models that can report multiply-accumulate
// operations for one input of the given shape.
type MACCounter interface {
	MACs(inputShape []int) int64
}

// Loader is a finite, restartable batch sequence.
type Loader interface {
	// Len is the number of batches per epoch.
	Len() int
	Reset()
	// Next returns io.EOF once the epoch is exhausted.
	Next() (*Batch, error)
	NumClasses() int
}

// EpochLog is the end-of-epoch record sent to a Sink.
type EpochLog struct {
	Epoch        int
	TotalEpochs  int
	TrainLosses  map[string]float64
	TrainMetrics map[string]float64
	ValidLosses  map[string]float64 // nil when validation did not run
	ValidMetrics map[string]float64
	LearningRate float64
	ElapsedTime  float64
	Samples      []*StepResult
}

// TestLog is the record of an inference pass.
type TestLog struct {
	Losses  map[string]float64
	Metrics map[string]float64
	Samples []*StepResult
}

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	StatusRunning     RunStatus = "running"
	StatusSuccess     RunStatus = "success"
	StatusFailed      RunStatus = "failed"
	StatusInterrupted RunStatus = "interrupted"
)

// Sink receives everything the primary rank logs.
type Sink interface {
	UpdateEpoch(epoch int)
	LogEpoch(rec EpochLog) error
	LogTest(rec TestLog) error
	LogEnd(summary *TrainingSummary) error
	ResultDir() string
}

// StatusSink is implemented by sinks that track run state.
type StatusSink interface {
	LogStatus(status RunStatus, err error) error
}

// Exporter persists the trained model.
type Exporter interface {
	Export(model checkpoints.Model, req checkpoints.ExportRequest) (*checkpoints.ExportResult, error)
}
