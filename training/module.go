package training

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/visiontrain/tensor"
)

// Global random source for deterministic initialization
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// dense is y = xW^T + b over row vectors. It caches its last input so a
// backward call can form the weight gradient.
type dense struct {
	weight *tensor.Tensor // [out, in]
	bias   *tensor.Tensor // [out]
	in     int
	out    int
	input  []float32
	rows   int
}

func newDense(in, out int) (*dense, error) {
	// Xavier/Glorot uniform
	bound := math.Sqrt(6.0 / float64(in+out))
	w := make([]float32, in*out)
	for i := range w {
		w[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	weight, err := tensor.NewTensor([]int{out, in}, w)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	bias, err := tensor.Zeros([]int{out})
	if err != nil {
		return nil, fmt.Errorf("failed to create bias tensor: %v", err)
	}
	weight.SetRequiresGrad(true)
	bias.SetRequiresGrad(true)
	return &dense{weight: weight, bias: bias, in: in, out: out}, nil
}

func (d *dense) forward(x []float32, rows int) ([]float32, error) {
	if len(x) != rows*d.in {
		return nil, fmt.Errorf("dense layer expects %d features per row, got %d values for %d rows", d.in, len(x), rows)
	}
	d.input, d.rows = x, rows
	y := make([]float32, rows*d.out)
	for r := 0; r < rows; r++ {
		xr := x[r*d.in : (r+1)*d.in]
		for o := 0; o < d.out; o++ {
			wo := d.weight.Data[o*d.in : (o+1)*d.in]
			sum := d.bias.Data[o]
			for i, v := range xr {
				sum += v * wo[i]
			}
			y[r*d.out+o] = sum
		}
	}
	return y, nil
}

func (d *dense) backward(gy []float32) error {
	if len(gy) != d.rows*d.out {
		return fmt.Errorf("dense gradient has %d values, want %d", len(gy), d.rows*d.out)
	}
	gw := make([]float32, d.out*d.in)
	gb := make([]float32, d.out)
	for r := 0; r < d.rows; r++ {
		xr := d.input[r*d.in : (r+1)*d.in]
		for o := 0; o < d.out; o++ {
			g := gy[r*d.out+o]
			if g == 0 {
				continue
			}
			gb[o] += g
			row := gw[o*d.in : (o+1)*d.in]
			for i, v := range xr {
				row[i] += g * v
			}
		}
	}
	if err := d.weight.AccumulateGrad(gw); err != nil {
		return err
	}
	return d.bias.AccumulateGrad(gb)
}

// mode is the train/eval switch shared by the reference models.
type mode struct{ training bool }

func (m *mode) Train()           { m.training = true }
func (m *mode) Eval()            { m.training = false }
func (m *mode) IsTraining() bool { return m.training }

// LinearClassifier flattens the image and applies one dense layer.
type LinearClassifier struct {
	mode
	fc       *dense
	features int
}

func NewLinearClassifier(inputShape []int, numClasses int) (*LinearClassifier, error) {
	features := numel(inputShape)
	if features == 0 || numClasses < 1 {
		return nil, errors.Errorf("linear classifier: invalid input shape %v or class count %d", inputShape, numClasses)
	}
	fc, err := newDense(features, numClasses)
	if err != nil {
		return nil, err
	}
	return &LinearClassifier{mode: mode{training: true}, fc: fc, features: features}, nil
}

func (m *LinearClassifier) Forward(input *tensor.Tensor) (*Output, error) {
	n := input.Len()
	logits, err := m.fc.forward(input.Data, n)
	if err != nil {
		return nil, err
	}
	t, err := tensor.NewTensor([]int{n, m.fc.out}, logits)
	if err != nil {
		return nil, err
	}
	return NewOutput(map[string]*tensor.Tensor{"logits": t}, func(g map[string][]float32) error {
		return m.fc.backward(g["logits"])
	}), nil
}

func (m *LinearClassifier) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.fc.weight, m.fc.bias}
}

func (m *LinearClassifier) StateDict() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"fc.weight": m.fc.weight, "fc.bias": m.fc.bias}
}

func (m *LinearClassifier) MACs(inputShape []int) int64 {
	return int64(m.features) * int64(m.fc.out)
}

// PixelClassifier is a 1x1 convolution from channels to class scores.
type PixelClassifier struct {
	mode
	head *dense
}

func NewPixelClassifier(channels, numClasses int) (*PixelClassifier, error) {
	if channels < 1 || numClasses < 1 {
		return nil, errors.Errorf("pixel classifier: invalid channels %d or class count %d", channels, numClasses)
	}
	head, err := newDense(channels, numClasses)
	if err != nil {
		return nil, err
	}
	return &PixelClassifier{mode: mode{training: true}, head: head}, nil
}

func (m *PixelClassifier) Forward(input *tensor.Tensor) (*Output, error) {
	if input.Dim() != 4 || input.Shape[1] != m.head.in {
		return nil, errors.Errorf("pixel classifier expects [N, %d, H, W], got %v", m.head.in, input.Shape)
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	k := m.head.out

	y, err := m.head.forward(nchwToRows(input.Data, n, c, h*w), n*h*w)
	if err != nil {
		return nil, err
	}
	logits, err := tensor.NewTensor([]int{n, k, h, w}, rowsToNCHW(y, n, k, h*w))
	if err != nil {
		return nil, err
	}
	return NewOutput(map[string]*tensor.Tensor{"logits": logits}, func(g map[string][]float32) error {
		return m.head.backward(nchwToRows(g["logits"], n, k, h*w))
	}), nil
}

func (m *PixelClassifier) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.head.weight, m.head.bias}
}

func (m *PixelClassifier) StateDict() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"head.weight": m.head.weight, "head.bias": m.head.bias}
}

func (m *PixelClassifier) MACs(inputShape []int) int64 {
	if len(inputShape) < 3 {
		return 0
	}
	return int64(inputShape[1]*inputShape[2]) * int64(m.head.in*m.head.out)
}

// SlotDetector predicts a fixed number of box slots per image. Each slot
// carries normalized x1, y1, x2, y2 and numClasses+1 class scores, the last
// being background.
type SlotDetector struct {
	mode
	fc         *dense
	slots      int
	numClasses int
	features   int
}

func NewSlotDetector(inputShape []int, numClasses, slots int) (*SlotDetector, error) {
	features := numel(inputShape)
	if features == 0 || numClasses < 1 || slots < 1 {
		return nil, errors.Errorf("slot detector: invalid input shape %v, classes %d or slots %d", inputShape, numClasses, slots)
	}
	fc, err := newDense(features, slots*(4+numClasses+1))
	if err != nil {
		return nil, err
	}
	return &SlotDetector{mode: mode{training: true}, fc: fc, slots: slots, numClasses: numClasses, features: features}, nil
}

func (m *SlotDetector) Forward(input *tensor.Tensor) (*Output, error) {
	n := input.Len()
	y, err := m.fc.forward(input.Data, n)
	if err != nil {
		return nil, err
	}
	width := 4 + m.numClasses + 1
	boxes := make([]float32, 0, n*m.slots*4)
	scores := make([]float32, 0, n*m.slots*(m.numClasses+1))
	for i := 0; i < n*m.slots; i++ {
		slot := y[i*width : (i+1)*width]
		boxes = append(boxes, slot[:4]...)
		scores = append(scores, slot[4:]...)
	}
	bt, err := tensor.NewTensor([]int{n, m.slots, 4}, boxes)
	if err != nil {
		return nil, err
	}
	ct, err := tensor.NewTensor([]int{n, m.slots, m.numClasses + 1}, scores)
	if err != nil {
		return nil, err
	}
	return NewOutput(map[string]*tensor.Tensor{"boxes": bt, "class_logits": ct}, func(g map[string][]float32) error {
		gy := make([]float32, len(y))
		gb, gc := g["boxes"], g["class_logits"]
		for i := 0; i < n*m.slots; i++ {
			if gb != nil {
				copy(gy[i*width:i*width+4], gb[i*4:(i+1)*4])
			}
			if gc != nil {
				copy(gy[i*width+4:(i+1)*width], gc[i*(m.numClasses+1):(i+1)*(m.numClasses+1)])
			}
		}
		return m.fc.backward(gy)
	}), nil
}

func (m *SlotDetector) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.fc.weight, m.fc.bias}
}

func (m *SlotDetector) StateDict() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"head.weight": m.fc.weight, "head.bias": m.fc.bias}
}

func (m *SlotDetector) MACs(inputShape []int) int64 {
	return int64(m.features) * int64(m.fc.out)
}

func (m *SlotDetector) Slots() int { return m.slots }

// BuildModel creates a reference model by name for samples of sampleShape
// ([C, H, W]).
func BuildModel(name string, sampleShape []int, numClasses int) (Module, error) {
	switch strings.ToLower(name) {
	case "linear":
		return NewLinearClassifier(sampleShape, numClasses)
	case "pixel":
		if len(sampleShape) != 3 {
			return nil, errors.Errorf("pixel classifier needs a [C, H, W] sample shape, got %v", sampleShape)
		}
		return NewPixelClassifier(sampleShape[0], numClasses)
	case "slot_detector":
		return NewSlotDetector(sampleShape, numClasses, 8)
	default:
		return nil, errors.Errorf("unknown model %q", name)
	}
}

// CountParams is the number of scalar parameters of m.
func CountParams(m Module) int64 {
	var n int64
	for _, p := range m.Parameters() {
		n += int64(p.Numel())
	}
	return n
}

func numel(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// nchwToRows reorders [N, C, HW] data into N*HW rows of C values.
func nchwToRows(data []float32, n, c, hw int) []float32 {
	out := make([]float32, len(data))
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			for p := 0; p < hw; p++ {
				out[(i*hw+p)*c+ch] = data[(i*c+ch)*hw+p]
			}
		}
	}
	return out
}

func rowsToNCHW(rows []float32, n, c, hw int) []float32 {
	out := make([]float32, len(rows))
	for i := 0; i < n; i++ {
		for p := 0; p < hw; p++ {
			for ch := 0; ch < c; ch++ {
				out[(i*c+ch)*hw+p] = rows[(i*hw+p)*c+ch]
			}
		}
	}
	return out
}
