package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data in a tensor of the given shape. A nil data slice
// allocates zeros.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Device:   CPU,
		Data:     data,
		NumElems: numElems,
	}, nil
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

func Full(shape []int, value float32) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// FromInts builds a tensor holding integer values such as labels or masks.
func FromInts(shape []int, values []int) (*Tensor, error) {
	data := make([]float32, len(values))
	for i, v := range values {
		data[i] = float32(v)
	}
	return NewTensor(shape, data)
}

// RandomNormal samples from N(mean, std^2) using rng, which keeps runs
// reproducible under a fixed seed.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = mean + std*float32(rng.NormFloat64())
	}
	return t, nil
}

// Stack concatenates equally shaped tensors along a new leading dimension.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	inner := items[0].Shape
	data := make([]float32, 0, len(items)*items[0].NumElems)
	for i, item := range items {
		if !sameShape(item.Shape, inner) {
			return nil, fmt.Errorf("stack: tensor %d has shape %v, expected %v", i, item.Shape, inner)
		}
		data = append(data, item.Data...)
	}
	return NewTensor(append([]int{len(items)}, inner...), data)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
