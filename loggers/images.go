package loggers

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/visiontrain/tensor"
	"github.com/tsawler/visiontrain/training"
)

// SamplesDir is the sub-directory of the result directory holding sample
// images.
const SamplesDir = "samples"

var palette = []color.RGBA{
	{230, 25, 75, 255},
	{60, 180, 75, 255},
	{255, 225, 25, 255},
	{0, 130, 200, 255},
	{245, 130, 48, 255},
	{145, 30, 180, 255},
	{70, 240, 240, 255},
	{240, 50, 230, 255},
}

var (
	gtColor   = color.RGBA{0, 255, 0, 255}
	predColor = color.RGBA{255, 0, 0, 255}
)

// ImageSink writes the logged validation and test samples as PNG files.
// Segmentation samples are drawn as ground truth and prediction side by
// side; detection samples carry ground-truth boxes in green and predicted
// boxes in red.
type ImageSink struct {
	fs        afero.Fs
	dir       string
	maxImages int
	epoch     int
}

// NewImageSink writes at most maxImages images per epoch; zero or less
// means no limit.
func NewImageSink(fs afero.Fs, dir string, maxImages int) *ImageSink {
	return &ImageSink{fs: fs, dir: dir, maxImages: maxImages}
}

func (s *ImageSink) UpdateEpoch(epoch int) { s.epoch = epoch }

func (s *ImageSink) ResultDir() string { return s.dir }

func (s *ImageSink) LogEpoch(rec training.EpochLog) error {
	if len(rec.Samples) == 0 {
		return nil
	}
	return s.writeAll(fmt.Sprintf("epoch_%d", rec.Epoch), rec.Samples)
}

func (s *ImageSink) LogTest(rec training.TestLog) error {
	if len(rec.Samples) == 0 {
		return nil
	}
	return s.writeAll("test", rec.Samples)
}

func (s *ImageSink) LogEnd(*training.TrainingSummary) error { return nil }

func (s *ImageSink) writeAll(sub string, samples []*training.StepResult) error {
	dir := filepath.Join(s.dir, SamplesDir, sub)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create sample directory")
	}
	written := 0
	for _, res := range samples {
		if res == nil || res.Images == nil {
			continue
		}
		for i := 0; i < res.Images.Len(); i++ {
			if s.maxImages > 0 && written >= s.maxImages {
				return nil
			}
			img, name, err := renderSample(res, i)
			if err != nil {
				return err
			}
			path := filepath.Join(dir, fmt.Sprintf("%03d_%s.png", written, name))
			if err := s.writePNG(path, img); err != nil {
				return err
			}
			written++
		}
	}
	return nil
}

func (s *ImageSink) writePNG(path string, img image.Image) error {
	f, err := s.fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return f.Close()
}

// renderSample draws sample i of res and returns a short file name
// describing it.
func renderSample(res *training.StepResult, i int) (image.Image, string, error) {
	base, err := toRGBA(res.Images, i)
	if err != nil {
		return nil, "", err
	}

	switch pred := res.Pred.(type) {
	case training.ClassLabels:
		name := fmt.Sprintf("pred%d", pred[i])
		if gt, ok := res.Target.(training.ClassLabels); ok {
			name = fmt.Sprintf("gt%d_%s", gt[i], name)
		}
		return base, name, nil

	case training.MaskSet:
		b := base.Bounds()
		out := image.NewRGBA(image.Rect(0, 0, 2*b.Dx(), b.Dy()))
		right := image.Rect(b.Dx(), 0, 2*b.Dx(), b.Dy())
		draw.Draw(out, b, base, image.Point{}, draw.Src)
		draw.Draw(out, right, base, image.Point{}, draw.Src)
		if gt, ok := res.Target.(training.MaskSet); ok {
			if err := overlayMask(out, gt.Masks, i, image.Point{}); err != nil {
				return nil, "", err
			}
		}
		if err := overlayMask(out, pred.Masks, i, image.Pt(b.Dx(), 0)); err != nil {
			return nil, "", err
		}
		return out, "mask", nil

	case training.DetectionSet:
		if gt, ok := res.Target.(training.DetectionSet); ok && i < len(gt) {
			for _, box := range gt[i].Boxes {
				drawBox(base, box, gtColor)
			}
		}
		n := 0
		if i < len(pred) {
			for _, box := range pred[i].Boxes {
				drawBox(base, box, predColor)
			}
			n = len(pred[i].Boxes)
		}
		return base, fmt.Sprintf("det%d", n), nil
	}
	return base, "image", nil
}

// toRGBA converts image i of a [N, C, H, W] tensor, min-max scaled to
// 0..255. One channel renders as gray; three or more use the first three.
func toRGBA(images *tensor.Tensor, i int) (*image.RGBA, error) {
	if images.Dim() != 4 {
		return nil, errors.Errorf("sample images must be [N, C, H, W], got %v", images.Shape)
	}
	c, h, w := images.Shape[1], images.Shape[2], images.Shape[3]
	plane := h * w
	data := images.Data[i*c*plane : (i+1)*c*plane]

	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range data {
		lo, hi = min(lo, v), max(hi, v)
	}
	scale := float32(0)
	if hi > lo {
		scale = 255 / (hi - lo)
	}
	level := func(v float32) uint8 { return uint8((v - lo) * scale) }

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := y*w + x
			var r, g, b uint8
			if c >= 3 {
				r, g, b = level(data[p]), level(data[plane+p]), level(data[2*plane+p])
			} else {
				r = level(data[p])
				g, b = r, r
			}
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}
	return img, nil
}

// overlayMask blends the class colors of mask i into img at offset.
// Background (0) and ignored (255) pixels are left untouched.
func overlayMask(img *image.RGBA, masks *tensor.Tensor, i int, offset image.Point) error {
	if masks == nil || masks.Dim() != 3 {
		return errors.New("masks must be [N, H, W]")
	}
	h, w := masks.Shape[1], masks.Shape[2]
	data := masks.Data[i*h*w : (i+1)*h*w]
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			cls := int(data[y*w+x])
			if cls <= 0 || cls == training.SegmentationIgnoreIndex {
				continue
			}
			pc := palette[(cls-1)%len(palette)]
			px := img.RGBAAt(offset.X+x, offset.Y+y)
			img.SetRGBA(offset.X+x, offset.Y+y, color.RGBA{
				R: uint8((uint16(px.R) + uint16(pc.R)) / 2),
				G: uint8((uint16(px.G) + uint16(pc.G)) / 2),
				B: uint8((uint16(px.B) + uint16(pc.B)) / 2),
				A: 255,
			})
		}
	}
	return nil
}

// drawBox outlines box (x1, y1, x2, y2 in pixels), clipped to img.
func drawBox(img *image.RGBA, box training.Box, c color.RGBA) {
	b := img.Bounds()
	x1, y1 := clamp(int(box[0]), b.Max.X-1), clamp(int(box[1]), b.Max.Y-1)
	x2, y2 := clamp(int(box[2]), b.Max.X-1), clamp(int(box[3]), b.Max.Y-1)
	for x := x1; x <= x2; x++ {
		img.SetRGBA(x, y1, c)
		img.SetRGBA(x, y2, c)
	}
	for y := y1; y <= y2; y++ {
		img.SetRGBA(x1, y, c)
		img.SetRGBA(x2, y, c)
	}
}

func clamp(v, hi int) int {
	return max(0, min(v, hi))
}
