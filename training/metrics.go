package training

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/visiontrain/config"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
	MeanIoU
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MeanIoU:
		return "MeanIoU"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts [true_class][predicted_class] pairs.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int

	cachedMetrics map[MetricType]float64
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses:    numClasses,
		Matrix:        matrix,
		cachedMetrics: make(map[MetricType]float64),
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
	cm.cachedMetrics = make(map[MetricType]float64)
}

// Update counts pairs whose true label is not ignore. Out of range pairs
// are an error.
func (cm *ConfusionMatrix) Update(trueLabels, predLabels []int, ignore int) error {
	if len(trueLabels) != len(predLabels) {
		return fmt.Errorf("labels length mismatch: %d targets, %d predictions", len(trueLabels), len(predLabels))
	}
	for i, t := range trueLabels {
		if t == ignore {
			continue
		}
		p := predLabels[i]
		if t < 0 || t >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			return fmt.Errorf("class pair (%d, %d) out of range for %d classes", t, p, cm.NumClasses)
		}
		cm.Matrix[t][p]++
		cm.TotalSamples++
	}
	cm.cachedMetrics = make(map[MetricType]float64)
	return nil
}

// GetMetric calculates and caches evaluation metrics
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if value, ok := cm.cachedMetrics[metric]; ok {
		return value
	}

	var result float64
	switch metric {
	case Accuracy:
		result = cm.GetAccuracy()
	case MacroPrecision:
		result = cm.calculateMacroPrecision()
	case MacroRecall:
		result = cm.calculateMacroRecall()
	case MacroF1:
		result = cm.calculateMacroF1()
	case MeanIoU:
		result = cm.calculateMeanIoU()
	default:
		return 0.0
	}
	cm.cachedMetrics[metric] = result
	return result
}

func (cm *ConfusionMatrix) truePositives(class int) float64 {
	return float64(cm.Matrix[class][class])
}

// predicted is the column sum for class.
func (cm *ConfusionMatrix) predicted(class int) float64 {
	sum := 0
	for t := 0; t < cm.NumClasses; t++ {
		sum += cm.Matrix[t][class]
	}
	return float64(sum)
}

// actual is the row sum for class.
func (cm *ConfusionMatrix) actual(class int) float64 {
	sum := 0
	for _, v := range cm.Matrix[class] {
		sum += v
	}
	return float64(sum)
}

// Macro metrics average over classes with a non-zero denominator.
func (cm *ConfusionMatrix) calculateMacroPrecision() float64 {
	sum, valid := 0.0, 0
	for class := 0; class < cm.NumClasses; class++ {
		if p := cm.predicted(class); p > 0 {
			sum += cm.truePositives(class) / p
			valid++
		}
	}
	if valid == 0 {
		return 0.0
	}
	return sum / float64(valid)
}

func (cm *ConfusionMatrix) calculateMacroRecall() float64 {
	sum, valid := 0.0, 0
	for class := 0; class < cm.NumClasses; class++ {
		if a := cm.actual(class); a > 0 {
			sum += cm.truePositives(class) / a
			valid++
		}
	}
	if valid == 0 {
		return 0.0
	}
	return sum / float64(valid)
}

func (cm *ConfusionMatrix) calculateMacroF1() float64 {
	precision := cm.calculateMacroPrecision()
	recall := cm.calculateMacroRecall()
	if precision+recall == 0 {
		return 0.0
	}
	return 2 * (precision * recall) / (precision + recall)
}

// calculateMeanIoU averages TP / (TP + FP + FN) over classes that appear in
// either targets or predictions.
func (cm *ConfusionMatrix) calculateMeanIoU() float64 {
	sum, valid := 0.0, 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := cm.truePositives(class)
		union := cm.predicted(class) + cm.actual(class) - tp
		if union > 0 {
			sum += tp / union
			valid++
		}
	}
	if valid == 0 {
		return 0.0
	}
	return sum / float64(valid)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// MetricAggregator accumulates task metrics per phase. A fresh aggregator
// reports zero for every name.
type MetricAggregator interface {
	Calc(pred, target Predictions, phase Phase) error
	Result(phase Phase) map[string]float64
	Names() []string
	Primary() string
}

// BuildMetric is the default MetricFactory.
func BuildMetric(task string, conf *config.Config, ignoreIndex, numClasses int) (MetricAggregator, error) {
	if numClasses < 1 {
		return nil, errors.Errorf("metric: invalid class count %d", numClasses)
	}
	switch strings.ToLower(task) {
	case config.TaskClassification:
		return NewClassificationMetric(numClasses, ignoreIndex), nil
	case config.TaskSegmentation:
		return NewSegmentationMetric(numClasses, ignoreIndex), nil
	case config.TaskDetection:
		return NewDetectionMetric(numClasses, 0.5), nil
	default:
		return nil, errors.Errorf("metric: unsupported task %q", task)
	}
}

// matrixMetric keeps one confusion matrix per phase.
type matrixMetric struct {
	numClasses int
	ignore     int
	phases     map[Phase]*ConfusionMatrix
}

func newMatrixMetric(numClasses, ignore int) matrixMetric {
	return matrixMetric{numClasses: numClasses, ignore: ignore, phases: make(map[Phase]*ConfusionMatrix)}
}

func (m *matrixMetric) matrix(phase Phase) *ConfusionMatrix {
	cm := m.phases[phase]
	if cm == nil {
		cm = NewConfusionMatrix(m.numClasses)
		m.phases[phase] = cm
	}
	return cm
}

// ClassificationMetric reports top-1 accuracy and macro precision, recall
// and F1.
type ClassificationMetric struct {
	matrixMetric
}

func NewClassificationMetric(numClasses, ignore int) *ClassificationMetric {
	return &ClassificationMetric{matrixMetric: newMatrixMetric(numClasses, ignore)}
}

func (m *ClassificationMetric) Calc(pred, target Predictions, phase Phase) error {
	p, ok := pred.(ClassLabels)
	t, ok2 := target.(ClassLabels)
	if !ok || !ok2 {
		return errors.Errorf("classification metric needs class labels, got %T and %T", pred, target)
	}
	return m.matrix(phase).Update(t, p, m.ignore)
}

func (m *ClassificationMetric) Result(phase Phase) map[string]float64 {
	cm := m.matrix(phase)
	return map[string]float64{
		"acc@1":     cm.GetMetric(Accuracy),
		"precision": cm.GetMetric(MacroPrecision),
		"recall":    cm.GetMetric(MacroRecall),
		"f1":        cm.GetMetric(MacroF1),
	}
}

func (m *ClassificationMetric) Names() []string {
	return []string{"acc@1", "precision", "recall", "f1"}
}

func (m *ClassificationMetric) Primary() string { return "acc@1" }

// SegmentationMetric reports mean IoU and pixel accuracy over pixels whose
// label is not the ignore index.
type SegmentationMetric struct {
	matrixMetric
}

func NewSegmentationMetric(numClasses, ignore int) *SegmentationMetric {
	return &SegmentationMetric{matrixMetric: newMatrixMetric(numClasses, ignore)}
}

func (m *SegmentationMetric) Calc(pred, target Predictions, phase Phase) error {
	p, ok := pred.(MaskSet)
	t, ok2 := target.(MaskSet)
	if !ok || !ok2 || p.Masks == nil || t.Masks == nil {
		return errors.Errorf("segmentation metric needs masks, got %T and %T", pred, target)
	}
	if p.Masks.Numel() != t.Masks.Numel() {
		return errors.Errorf("prediction shape %v does not match target shape %v", p.Masks.Shape, t.Masks.Shape)
	}
	return m.matrix(phase).Update(t.Masks.Ints(), p.Masks.Ints(), m.ignore)
}

func (m *SegmentationMetric) Result(phase Phase) map[string]float64 {
	cm := m.matrix(phase)
	return map[string]float64{
		"miou":      cm.GetMetric(MeanIoU),
		"pixel_acc": cm.GetMetric(Accuracy),
	}
}

func (m *SegmentationMetric) Names() []string { return []string{"miou", "pixel_acc"} }

func (m *SegmentationMetric) Primary() string { return "miou" }

type scoredHit struct {
	score float32
	tp    bool
}

type detectionStats struct {
	hits map[int][]scoredHit
	gts  map[int]int
}

// DetectionMetric reports VOC style mAP at a fixed IoU threshold together
// with precision and recall over every kept detection.
type DetectionMetric struct {
	numClasses int
	iou        float32
	phases     map[Phase]*detectionStats
}

func NewDetectionMetric(numClasses int, iou float32) *DetectionMetric {
	return &DetectionMetric{numClasses: numClasses, iou: iou, phases: make(map[Phase]*detectionStats)}
}

func (m *DetectionMetric) stats(phase Phase) *detectionStats {
	s := m.phases[phase]
	if s == nil {
		s = &detectionStats{hits: make(map[int][]scoredHit), gts: make(map[int]int)}
		m.phases[phase] = s
	}
	return s
}

func (m *DetectionMetric) Calc(pred, target Predictions, phase Phase) error {
	preds, ok := pred.(DetectionSet)
	gts, ok2 := target.(DetectionSet)
	if !ok || !ok2 {
		return errors.Errorf("detection metric needs detection sets, got %T and %T", pred, target)
	}
	if len(preds) != len(gts) {
		return errors.Errorf("detection metric got %d predictions for %d targets", len(preds), len(gts))
	}
	s := m.stats(phase)
	for i := range preds {
		m.matchImage(s, preds[i], gts[i])
	}
	return nil
}

// matchImage greedily matches detections in descending score order to
// unused ground truth of the same class.
func (m *DetectionMetric) matchImage(s *detectionStats, pred, gt Detections) {
	for _, l := range gt.Labels {
		s.gts[l]++
	}
	order := make([]int, len(pred.Boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scoreAt(pred, order[a]) > scoreAt(pred, order[b])
	})

	used := make([]bool, len(gt.Boxes))
	for _, i := range order {
		best, bestIoU := -1, m.iou
		for j, g := range gt.Boxes {
			if used[j] || gt.Labels[j] != pred.Labels[i] {
				continue
			}
			if v := pred.Boxes[i].IoU(g); v >= bestIoU {
				best, bestIoU = j, v
			}
		}
		if best >= 0 {
			used[best] = true
		}
		s.hits[pred.Labels[i]] = append(s.hits[pred.Labels[i]], scoredHit{score: scoreAt(pred, i), tp: best >= 0})
	}
}

func scoreAt(d Detections, i int) float32 {
	if i < len(d.Scores) {
		return d.Scores[i]
	}
	return 1
}

func (m *DetectionMetric) Result(phase Phase) map[string]float64 {
	s := m.stats(phase)
	var (
		apSum               float64
		classes             int
		tp, detected, gtSum int
	)
	for class := 0; class < m.numClasses; class++ {
		hits := s.hits[class]
		for _, h := range hits {
			if h.tp {
				tp++
			}
		}
		detected += len(hits)
		gtSum += s.gts[class]
		if s.gts[class] == 0 {
			continue
		}
		apSum += averagePrecision(hits, s.gts[class])
		classes++
	}

	out := map[string]float64{"map50": 0, "precision": 0, "recall": 0}
	if classes > 0 {
		out["map50"] = apSum / float64(classes)
	}
	if detected > 0 {
		out["precision"] = float64(tp) / float64(detected)
	}
	if gtSum > 0 {
		out["recall"] = float64(tp) / float64(gtSum)
	}
	return out
}

func (m *DetectionMetric) Names() []string { return []string{"map50", "precision", "recall"} }

func (m *DetectionMetric) Primary() string { return "map50" }

// averagePrecision is the area under the all-point interpolated
// precision/recall curve.
func averagePrecision(hits []scoredHit, numGT int) float64 {
	sorted := append([]scoredHit(nil), hits...)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].score > sorted[b].score })

	recalls := make([]float64, len(sorted))
	precisions := make([]float64, len(sorted))
	tp := 0
	for i, h := range sorted {
		if h.tp {
			tp++
		}
		recalls[i] = float64(tp) / float64(numGT)
		precisions[i] = float64(tp) / float64(i+1)
	}
	for i := len(precisions) - 2; i >= 0; i-- {
		if precisions[i+1] > precisions[i] {
			precisions[i] = precisions[i+1]
		}
	}

	ap, prevRecall := 0.0, 0.0
	for i := range sorted {
		ap += (recalls[i] - prevRecall) * precisions[i]
		prevRecall = recalls[i]
	}
	return ap
}
