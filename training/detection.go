package training

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/tsawler/visiontrain/config"
)

// Postprocessor turns raw detector output into per-image detections in
// pixel coordinates.
type Postprocessor interface {
	Process(out *Output, imageSize [2]int) (DetectionSet, error)
}

// NMSPostprocessor keeps the best non-background class of every slot above
// ScoreThreshold, then applies class-aware non-maximum suppression.
type NMSPostprocessor struct {
	ScoreThreshold float32
	IoUThreshold   float32
	MaxDetections  int
}

func NewNMSPostprocessor(scoreThreshold, iouThreshold float32, maxDetections int) *NMSPostprocessor {
	if iouThreshold <= 0 || iouThreshold > 1 {
		iouThreshold = 0.65
	}
	if maxDetections <= 0 {
		maxDetections = 100
	}
	return &NMSPostprocessor{ScoreThreshold: scoreThreshold, IoUThreshold: iouThreshold, MaxDetections: maxDetections}
}

func (p *NMSPostprocessor) Process(out *Output, imageSize [2]int) (DetectionSet, error) {
	boxes, err := out.Get("boxes")
	if err != nil {
		return nil, err
	}
	logits, err := out.Get("class_logits")
	if err != nil {
		return nil, err
	}
	if boxes.Dim() != 3 || logits.Dim() != 3 || boxes.Shape[0] != logits.Shape[0] || boxes.Shape[1] != logits.Shape[1] {
		return nil, errors.Errorf("box head %v and class head %v disagree", boxes.Shape, logits.Shape)
	}
	n, slots, k := logits.Shape[0], logits.Shape[1], logits.Shape[2]
	scale := boxScale(imageSize)
	probs := make([]float32, k)

	set := make(DetectionSet, n)
	for i := 0; i < n; i++ {
		var cand Detections
		for s := 0; s < slots; s++ {
			off := i*slots + s
			softmaxInto(probs, logits.Data[off*k:(off+1)*k])
			best := 0
			for c := 1; c < k-1; c++ {
				if probs[c] > probs[best] {
					best = c
				}
			}
			if probs[best] < p.ScoreThreshold || probs[best] < probs[k-1] {
				continue
			}
			var box Box
			for c := 0; c < 4; c++ {
				box[c] = boxes.Data[off*4+c] * scale[c]
			}
			cand.Boxes = append(cand.Boxes, box)
			cand.Scores = append(cand.Scores, probs[best])
			cand.Labels = append(cand.Labels, best)
		}
		set[i] = NMS(cand, p.IoUThreshold, p.MaxDetections)
	}
	return set, nil
}

// NMS suppresses boxes that overlap a higher scoring box of the same class
// by more than iou, keeping at most maxDet results in descending score order.
func NMS(d Detections, iou float32, maxDet int) Detections {
	order := make([]int, len(d.Boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return d.Scores[order[a]] > d.Scores[order[b]] })

	kept := Detections{Boxes: []Box{}, Scores: []float32{}, Labels: []int{}}
	suppressed := make([]bool, len(d.Boxes))
	for oi, i := range order {
		if suppressed[i] {
			continue
		}
		if maxDet > 0 && len(kept.Boxes) == maxDet {
			break
		}
		kept.Boxes = append(kept.Boxes, d.Boxes[i])
		kept.Scores = append(kept.Scores, d.Scores[i])
		kept.Labels = append(kept.Labels, d.Labels[i])
		for _, j := range order[oi+1:] {
			if !suppressed[j] && d.Labels[j] == d.Labels[i] && d.Boxes[i].IoU(d.Boxes[j]) > iou {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// DetectionTask trains a box detector. Metrics are deferred to the
// per-phase hook and train steps return nothing.
type DetectionTask struct {
	post Postprocessor
}

func NewDetectionTask(post Postprocessor) *DetectionTask {
	if post == nil {
		post = NewNMSPostprocessor(0.05, 0.65, 100)
	}
	return &DetectionTask{post: post}
}

func (t *DetectionTask) Name() string { return config.TaskDetection }

func (t *DetectionTask) IgnoreIndex() int { return -100 }

func (t *DetectionTask) step(env *StepEnv, batch *Batch, phase Phase) (*StepResult, error) {
	b, err := prepare(env, batch, phase)
	if err != nil || b == nil {
		return nil, err
	}
	if len(b.Boxes) != b.Len() || len(b.BoxLabels) != b.Len() {
		return nil, errors.Errorf("detection batch has %d images but %d box lists", b.Len(), len(b.Boxes))
	}
	size := [2]int{b.Images.Shape[b.Images.Dim()-2], b.Images.Shape[b.Images.Dim()-1]}
	target := &Target{Boxes: b.Boxes, BoxLabels: b.BoxLabels, ImageSize: size}
	out, err := forwardLoss(env, b, target, phase)
	if err != nil {
		return nil, err
	}
	if phase == PhaseTrain {
		return nil, nil
	}

	pred, err := t.post.Process(out, size)
	if err != nil {
		return nil, errors.Wrapf(err, "postprocess")
	}
	gt := make(DetectionSet, b.Len())
	for i := range gt {
		gt[i] = Detections{Boxes: b.Boxes[i], Labels: b.BoxLabels[i]}
	}
	return &StepResult{Images: b.Images, Target: gt, Pred: pred}, nil
}

func (t *DetectionTask) TrainStep(env *StepEnv, batch *Batch) (*StepResult, error) {
	return t.step(env, batch, PhaseTrain)
}

func (t *DetectionTask) ValidStep(env *StepEnv, batch *Batch) (*StepResult, error) {
	return evalStep(env, func() (*StepResult, error) { return t.step(env, batch, PhaseValid) })
}

func (t *DetectionTask) TestStep(env *StepEnv, batch *Batch) (*StepResult, error) {
	return evalStep(env, func() (*StepResult, error) { return t.step(env, batch, PhaseTest) })
}

func (t *DetectionTask) MetricWithAllOutputs(env *StepEnv, outputs []*StepResult, phase Phase) error {
	return deferredMetric(env, outputs, phase)
}
