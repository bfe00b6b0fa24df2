package training

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/visiontrain/config"
)

// Criterion computes a scalar loss and its gradient with respect to the
// model output heads it reads.
type Criterion interface {
	Name() string
	Compute(out *Output, target *Target) (float64, map[string][]float32, error)
}

// CriterionFactory creates a criterion for the task's ignore index.
type CriterionFactory func(ignoreIndex int) Criterion

var (
	criteriaMu sync.RWMutex
	criteria   = map[string]CriterionFactory{
		"cross_entropy":       func(ignore int) Criterion { return &CrossEntropyLoss{IgnoreIndex: ignore} },
		"pixel_cross_entropy": func(ignore int) Criterion { return &PixelCrossEntropyLoss{IgnoreIndex: ignore} },
		"box_l1":              func(int) Criterion { return &BoxL1Loss{} },
		"slot_cross_entropy":  func(int) Criterion { return &SlotCrossEntropyLoss{} },
	}
)

// RegisterLoss makes a criterion available to BuildLoss under name.
func RegisterLoss(name string, factory CriterionFactory) {
	criteriaMu.Lock()
	defer criteriaMu.Unlock()
	criteria[strings.ToLower(name)] = factory
}

// Meter is a running average.
type Meter struct {
	Sum   float64
	Count int
}

func (m *Meter) Update(v float64, n int) {
	m.Sum += v * float64(n)
	m.Count += n
}

func (m Meter) Avg() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

// LossAggregator accumulates weighted criteria per phase. Results always
// contain TotalLossKey.
type LossAggregator interface {
	Calc(out *Output, target *Target, phase Phase) error
	Backward() error
	Result(phase Phase) map[string]Meter
}

// LossAverages reduces a loss result to plain averages.
func LossAverages(result map[string]Meter) map[string]float64 {
	out := make(map[string]float64, len(result))
	for k, m := range result {
		out[k] = m.Avg()
	}
	return out
}

type lossTerm struct {
	criterion Criterion
	weight    float64
}

// WeightedLoss sums its criteria with per-criterion weights.
type WeightedLoss struct {
	terms   []lossTerm
	meters  map[Phase]map[string]*Meter
	pending *Output
	grads   map[string][]float32
}

// NewWeightedLoss pairs criteria with weights; a zero weight counts as 1.
func NewWeightedLoss(criteria []Criterion, weights []float64) *WeightedLoss {
	l := &WeightedLoss{meters: make(map[Phase]map[string]*Meter)}
	for i, c := range criteria {
		w := 1.0
		if i < len(weights) && weights[i] != 0 {
			w = weights[i]
		}
		l.terms = append(l.terms, lossTerm{criterion: c, weight: w})
	}
	return l
}

func (l *WeightedLoss) Calc(out *Output, target *Target, phase Phase) error {
	if len(l.terms) == 0 {
		return errors.New("loss: no criteria configured")
	}
	meters := l.meters[phase]
	if meters == nil {
		meters = make(map[string]*Meter)
		l.meters[phase] = meters
	}

	total := 0.0
	combined := make(map[string][]float32)
	for _, term := range l.terms {
		v, grads, err := term.criterion.Compute(out, target)
		if err != nil {
			return errors.Wrapf(err, "loss %s", term.criterion.Name())
		}
		total += term.weight * v
		meter(meters, term.criterion.Name()).Update(v, 1)
		for head, g := range grads {
			acc := combined[head]
			if acc == nil {
				acc = make([]float32, len(g))
				combined[head] = acc
			}
			for i := range g {
				acc[i] += float32(term.weight) * g[i]
			}
		}
	}
	meter(meters, TotalLossKey).Update(total, 1)

	if phase == PhaseTrain {
		l.pending, l.grads = out, combined
	}
	return nil
}

// Backward pushes the gradients of the last train Calc into the model.
func (l *WeightedLoss) Backward() error {
	if l.pending == nil {
		return errors.New("loss: backward called without a train step")
	}
	err := l.pending.Backward(l.grads)
	l.pending, l.grads = nil, nil
	return err
}

func (l *WeightedLoss) Result(phase Phase) map[string]Meter {
	out := map[string]Meter{TotalLossKey: {}}
	for k, m := range l.meters[phase] {
		out[k] = *m
	}
	return out
}

func meter(meters map[string]*Meter, name string) *Meter {
	m := meters[name]
	if m == nil {
		m = &Meter{}
		meters[name] = m
	}
	return m
}

// DefaultLosses are used when the model section names no criteria.
var DefaultLosses = map[string][]config.LossConfig{
	config.TaskClassification: {{Criterion: "cross_entropy", Weight: 1}},
	config.TaskSegmentation:   {{Criterion: "pixel_cross_entropy", Weight: 1}},
	config.TaskDetection:      {{Criterion: "box_l1", Weight: 5}, {Criterion: "slot_cross_entropy", Weight: 1}},
}

// BuildLoss is the default LossFactory.
func BuildLoss(conf *config.Config, ignoreIndex int) (LossAggregator, error) {
	specs := conf.Model.Losses
	if len(specs) == 0 {
		specs = DefaultLosses[strings.ToLower(conf.Task)]
	}

	criteriaMu.RLock()
	defer criteriaMu.RUnlock()
	var (
		list    []Criterion
		weights []float64
	)
	for _, spec := range specs {
		factory, ok := criteria[strings.ToLower(spec.Criterion)]
		if !ok {
			return nil, errors.Errorf("loss: unknown criterion %q (known: %s)", spec.Criterion, strings.Join(knownCriteria(), ", "))
		}
		list = append(list, factory(ignoreIndex))
		weights = append(weights, spec.Weight)
	}
	return NewWeightedLoss(list, weights), nil
}

func knownCriteria() []string {
	names := make([]string, 0, len(criteria))
	for name := range criteria {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// softmaxInto writes the softmax of logits into probs.
func softmaxInto(probs, logits []float32) {
	maxV := logits[0]
	for _, v := range logits[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxV))
		probs[i] = float32(e)
		sum += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
}

func negLog(p float32) float64 {
	return -math.Log(math.Max(float64(p), 1e-12))
}

// CrossEntropyLoss is softmax cross entropy over [N, K] logits, averaged
// over samples whose label is not IgnoreIndex.
type CrossEntropyLoss struct {
	IgnoreIndex int
}

func (ce *CrossEntropyLoss) Name() string { return "cross_entropy" }

func (ce *CrossEntropyLoss) Compute(out *Output, target *Target) (float64, map[string][]float32, error) {
	logits, err := out.Get("logits")
	if err != nil {
		return 0, nil, err
	}
	if logits.Dim() != 2 || logits.Shape[0] != len(target.Labels) {
		return 0, nil, errors.Errorf("logits shape %v does not match %d labels", logits.Shape, len(target.Labels))
	}
	n, k := logits.Shape[0], logits.Shape[1]
	grad := make([]float32, n*k)
	valid := 0
	for _, y := range target.Labels {
		if y != ce.IgnoreIndex {
			valid++
		}
	}
	if valid == 0 {
		return 0, map[string][]float32{"logits": grad}, nil
	}

	loss := 0.0
	for i, y := range target.Labels {
		if y == ce.IgnoreIndex {
			continue
		}
		if y < 0 || y >= k {
			return 0, nil, errors.Errorf("label %d out of range for %d classes", y, k)
		}
		row := grad[i*k : (i+1)*k]
		softmaxInto(row, logits.Data[i*k:(i+1)*k])
		loss += negLog(row[y])
		row[y]--
		for j := range row {
			row[j] /= float32(valid)
		}
	}
	return loss / float64(valid), map[string][]float32{"logits": grad}, nil
}

// PixelCrossEntropyLoss is per-pixel cross entropy over [N, K, H, W] logits
// against [N, H, W] masks. Pixels on an edge map count double.
type PixelCrossEntropyLoss struct {
	IgnoreIndex int
}

func (pc *PixelCrossEntropyLoss) Name() string { return "pixel_cross_entropy" }

func (pc *PixelCrossEntropyLoss) Compute(out *Output, target *Target) (float64, map[string][]float32, error) {
	logits, err := out.Get("logits")
	if err != nil {
		return 0, nil, err
	}
	if target.Masks == nil {
		return 0, nil, errors.New("pixel cross entropy needs target masks")
	}
	if logits.Dim() != 4 || target.Masks.Dim() != 3 || logits.Shape[0] != target.Masks.Shape[0] ||
		logits.Shape[2] != target.Masks.Shape[1] || logits.Shape[3] != target.Masks.Shape[2] {
		return 0, nil, errors.Errorf("logits shape %v does not match mask shape %v", logits.Shape, target.Masks.Shape)
	}
	n, k := logits.Shape[0], logits.Shape[1]
	hw := logits.Shape[2] * logits.Shape[3]
	labels := target.Masks.Ints()
	var edges []float32
	if target.Edges != nil && target.Edges.Numel() == len(labels) {
		edges = target.Edges.Data
	}

	grad := make([]float32, len(logits.Data))
	scores := make([]float32, k)
	probs := make([]float32, k)
	loss, weightSum := 0.0, 0.0
	for i := 0; i < n; i++ {
		for p := 0; p < hw; p++ {
			y := labels[i*hw+p]
			if y == pc.IgnoreIndex {
				continue
			}
			if y < 0 || y >= k {
				return 0, nil, errors.Errorf("mask value %d out of range for %d classes", y, k)
			}
			w := 1.0
			if edges != nil && edges[i*hw+p] > 0 {
				w = 2
			}
			for c := 0; c < k; c++ {
				scores[c] = logits.Data[(i*k+c)*hw+p]
			}
			softmaxInto(probs, scores)
			loss += w * negLog(probs[y])
			weightSum += w
			for c := 0; c < k; c++ {
				g := probs[c]
				if c == y {
					g--
				}
				grad[(i*k+c)*hw+p] = float32(w) * g
			}
		}
	}
	if weightSum == 0 {
		return 0, map[string][]float32{"logits": grad}, nil
	}
	for i := range grad {
		grad[i] /= float32(weightSum)
	}
	return loss / weightSum, map[string][]float32{"logits": grad}, nil
}

// BoxL1Loss is the L1 distance between normalized boxes of matched slots.
// Ground truth box j is matched to slot j.
type BoxL1Loss struct{}

func (b *BoxL1Loss) Name() string { return "box_l1" }

func (b *BoxL1Loss) Compute(out *Output, target *Target) (float64, map[string][]float32, error) {
	boxes, err := out.Get("boxes")
	if err != nil {
		return 0, nil, err
	}
	if boxes.Dim() != 3 || boxes.Shape[0] != len(target.Boxes) {
		return 0, nil, errors.Errorf("box head shape %v does not match %d images", boxes.Shape, len(target.Boxes))
	}
	slots := boxes.Shape[1]
	scale := boxScale(target.ImageSize)
	grad := make([]float32, len(boxes.Data))

	loss, matched := 0.0, 0
	for i, gts := range target.Boxes {
		for j, gt := range gts {
			if j >= slots {
				break
			}
			matched++
			off := (i*slots + j) * 4
			for c := 0; c < 4; c++ {
				d := boxes.Data[off+c] - gt[c]/scale[c]
				loss += math.Abs(float64(d))
				switch {
				case d > 0:
					grad[off+c] = 1
				case d < 0:
					grad[off+c] = -1
				}
			}
		}
	}
	if matched == 0 {
		return 0, map[string][]float32{"boxes": grad}, nil
	}
	norm := float32(matched * 4)
	for i := range grad {
		grad[i] /= norm
	}
	return loss / float64(norm), map[string][]float32{"boxes": grad}, nil
}

// SlotCrossEntropyLoss classifies every slot; unmatched slots target the
// background class, which is the last score.
type SlotCrossEntropyLoss struct{}

func (s *SlotCrossEntropyLoss) Name() string { return "slot_cross_entropy" }

func (s *SlotCrossEntropyLoss) Compute(out *Output, target *Target) (float64, map[string][]float32, error) {
	logits, err := out.Get("class_logits")
	if err != nil {
		return 0, nil, err
	}
	if logits.Dim() != 3 || logits.Shape[0] != len(target.BoxLabels) {
		return 0, nil, errors.Errorf("class head shape %v does not match %d images", logits.Shape, len(target.BoxLabels))
	}
	n, slots, k := logits.Shape[0], logits.Shape[1], logits.Shape[2]
	background := k - 1
	grad := make([]float32, len(logits.Data))
	total := n * slots
	if total == 0 {
		return 0, map[string][]float32{"class_logits": grad}, nil
	}

	loss := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < slots; j++ {
			y := background
			if j < len(target.BoxLabels[i]) {
				y = target.BoxLabels[i][j]
			}
			if y < 0 || y > background {
				return 0, nil, errors.Errorf("box label %d out of range for %d classes", y, background)
			}
			off := (i*slots + j) * k
			row := grad[off : off+k]
			softmaxInto(row, logits.Data[off:off+k])
			loss += negLog(row[y])
			row[y]--
			for c := range row {
				row[c] /= float32(total)
			}
		}
	}
	return loss / float64(total), map[string][]float32{"class_logits": grad}, nil
}

// boxScale maps H, W to per-coordinate divisors for x1, y1, x2, y2.
func boxScale(size [2]int) [4]float32 {
	h, w := float32(size[0]), float32(size[1])
	if h <= 0 {
		h = 1
	}
	if w <= 0 {
		w = 1
	}
	return [4]float32{w, h, w, h}
}
