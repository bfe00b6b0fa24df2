package tensor

import (
	"fmt"
)

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// ParseDevice maps a configuration string onto a DeviceType
func ParseDevice(name string) (DeviceType, error) {
	switch name {
	case "", "cpu", "CPU":
		return CPU, nil
	case "gpu", "GPU", "cuda", "mps":
		return GPU, nil
	default:
		return CPU, fmt.Errorf("unknown device %q", name)
	}
}

// Tensor is a dense, row-major float32 array. Integer valued data such as
// class ids and label maps are stored as whole floats.
type Tensor struct {
	Shape        []int
	Strides      []int
	Device       DeviceType
	Data         []float32
	NumElems     int
	requiresGrad bool
	grad         *Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)",
		t.Shape, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// AccumulateGrad adds g elementwise into the gradient slot, allocating it on
// first use.
func (t *Tensor) AccumulateGrad(g []float32) error {
	if len(g) != t.NumElems {
		return fmt.Errorf("gradient length %d does not match tensor size %d", len(g), t.NumElems)
	}
	if t.grad == nil {
		t.grad = &Tensor{
			Shape:    append([]int(nil), t.Shape...),
			Strides:  calculateStrides(t.Shape),
			Device:   t.Device,
			Data:     make([]float32, t.NumElems),
			NumElems: t.NumElems,
		}
	}
	for i, v := range g {
		t.grad.Data[i] += v
	}
	return nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

// validateShape allows zero sized leading dimensions so that empty batches
// can be represented.
func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim < 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must not be negative", i, dim)
		}
	}
	return nil
}
