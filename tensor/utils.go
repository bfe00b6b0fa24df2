package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a new tensor with the same data but different shape
// The new shape must have the same total number of elements
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := append([]int(nil), newShape...)
	known := 1
	inferred := -1

	for i, dim := range shape {
		switch {
		case dim == -1:
			if inferred >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			inferred = i
		case dim < 0:
			return nil, fmt.Errorf("negative dimension %d at index %d is not allowed (only -1 is allowed)", dim, i)
		default:
			known *= dim
		}
	}

	if inferred >= 0 {
		if known == 0 || t.NumElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
		}
		shape[inferred] = t.NumElems / known
		known *= shape[inferred]
	}

	if known != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, newShape, known)
	}

	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		Device:       t.Device,
		Data:         t.Data, // shared
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:        append([]int(nil), t.Shape...),
		Strides:      append([]int(nil), t.Strides...),
		Device:       t.Device,
		Data:         data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
}

// ToDevice moves the tensor to the given device. Storage always lives in
// host memory, so the move is a retag that keeps the same backing data.
func (t *Tensor) ToDevice(device DeviceType) *Tensor {
	if t == nil || t.Device == device {
		return t
	}
	moved := *t
	moved.Device = device
	return &moved
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	off := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d (size %d)", idx, i, t.Shape[i])
		}
		off += idx * t.Strides[i]
	}
	return off, nil
}

func (t *Tensor) At(indices ...int) (float32, error) {
	off, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[off], nil
}

func (t *Tensor) SetAt(value float32, indices ...int) error {
	off, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[off] = value
	return nil
}

func (t *Tensor) Size() []int {
	return append([]int(nil), t.Shape...)
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Len is the size of the leading dimension.
func (t *Tensor) Len() int {
	if t == nil || len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

func (t *Tensor) Equal(other *Tensor) bool {
	if !sameShape(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// Ints returns the data rounded to integers.
func (t *Tensor) Ints() []int {
	out := make([]int, len(t.Data))
	for i, v := range t.Data {
		out[i] = int(math.Round(float64(v)))
	}
	return out
}

// Row returns a copy of the i-th slice along the leading dimension.
func (t *Tensor) Row(i int) (*Tensor, error) {
	if len(t.Shape) == 0 || i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("row %d out of range for shape %v", i, t.Shape)
	}
	stride := t.Strides[0]
	data := make([]float32, stride)
	copy(data, t.Data[i*stride:(i+1)*stride])
	return NewTensor(t.Shape[1:], data)
}

// SelectRows gathers rows along the leading dimension in the given order.
func (t *Tensor) SelectRows(rows []int) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot select rows of a scalar tensor")
	}
	stride := t.Strides[0]
	if t.Shape[0] == 0 {
		stride = calculateNumElements(t.Shape[1:])
	}
	data := make([]float32, 0, len(rows)*stride)
	for _, r := range rows {
		if r < 0 || r >= t.Shape[0] {
			return nil, fmt.Errorf("row %d out of range for shape %v", r, t.Shape)
		}
		data = append(data, t.Data[r*stride:(r+1)*stride]...)
	}
	shape := append([]int{len(rows)}, t.Shape[1:]...)
	out, err := NewTensor(shape, data)
	if err != nil {
		return nil, err
	}
	out.Device = t.Device
	return out, nil
}

// ArgmaxDim1 reduces [N, C, ...] to [N, ...] holding the index of the
// largest value along dimension 1.
func (t *Tensor) ArgmaxDim1() (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("argmax over dim 1 needs at least 2 dimensions, got %v", t.Shape)
	}
	n, c := t.Shape[0], t.Shape[1]
	inner := 1
	for _, d := range t.Shape[2:] {
		inner *= d
	}
	out := make([]float32, n*inner)
	for i := 0; i < n; i++ {
		base := i * c * inner
		for j := 0; j < inner; j++ {
			best := 0
			bestVal := t.Data[base+j]
			for k := 1; k < c; k++ {
				if v := t.Data[base+k*inner+j]; v > bestVal {
					best, bestVal = k, v
				}
			}
			out[i*inner+j] = float32(best)
		}
	}
	shape := append([]int{n}, t.Shape[2:]...)
	res, err := NewTensor(shape, out)
	if err != nil {
		return nil, err
	}
	res.Device = t.Device
	return res, nil
}

// PrintData renders at most maxElements values for debugging
func (t *Tensor) PrintData(maxElements int) string {
	var b strings.Builder
	b.WriteString(t.String())
	b.WriteString(" [")
	for i, v := range t.Data {
		if i >= maxElements {
			b.WriteString(" ...")
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%.4f", v)
	}
	b.WriteString("]")
	return b.String()
}

// ZeroGrad clears the gradients of all tensors
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil && t.grad != nil {
			for i := range t.grad.Data {
				t.grad.Data[i] = 0
			}
		}
	}
}
