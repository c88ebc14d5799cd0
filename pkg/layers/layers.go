// Package layers holds the numeric building blocks that our detection networks are assembled from.
// Every tensor is float32, in NCHW order, and is always materialized (never a strided view),
// so kernels can work directly on the backing slice.
package layers

import (
	"errors"
	"fmt"

	"github.com/pdevine/tensor"
)

var ErrShapeMismatch = errors.New("Shape mismatch")

// Layer transforms one feature map into another.
// Forward must not modify its input, because the input may also be held on a route stack.
type Layer interface {
	Forward(x *tensor.Dense) (*tensor.Dense, error)

	// OutShape computes the output shape for a given input shape, without doing any work
	OutShape(in tensor.Shape) (tensor.Shape, error)

	// Params returns the learnable parameters (and batch norm statistics), with names relative to the layer
	Params() []Param
}

type ParamKind int

const (
	KindWeight  ParamKind = iota // Convolution or linear weight
	KindBias                     // Convolution or linear bias
	KindBNScale                  // Batch norm gamma
	KindBNShift                  // Batch norm beta
	KindBNMean                   // Batch norm running mean
	KindBNVar                    // Batch norm running variance
)

// Param is a named tensor that belongs to a layer
type Param struct {
	Name  string
	Kind  ParamKind
	FanIn int // Only meaningful for KindWeight and KindBias
	Value *tensor.Dense
}

// Prefixed returns a copy of params with "prefix." prepended to each name
func Prefixed(prefix string, params []Param) []Param {
	out := make([]Param, len(params))
	for i, p := range params {
		p.Name = prefix + "." + p.Name
		out[i] = p
	}
	return out
}

// CountParams returns the total number of scalar values in params
func CountParams(params []Param) int {
	n := 0
	for _, p := range params {
		n += p.Value.Shape().TotalSize()
	}
	return n
}

// FromSlice wraps data in a tensor of the given shape. The tensor shares data.
func FromSlice(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Zeros returns a new zero-filled tensor
func Zeros(shape ...int) *tensor.Dense {
	return FromSlice(make([]float32, tensor.Shape(shape).TotalSize()), shape...)
}

// Fill returns a new tensor with every element set to v
func Fill(v float32, shape ...int) *tensor.Dense {
	t := Zeros(shape...)
	data := Data(t)
	for i := range data {
		data[i] = v
	}
	return t
}

// Data returns the backing slice of a materialized float32 tensor
func Data(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// Clone returns a deep copy of t
func Clone(t *tensor.Dense) *tensor.Dense {
	src := Data(t)
	dst := make([]float32, len(src))
	copy(dst, src)
	return FromSlice(dst, t.Shape()...)
}

// Materialize turns any tensor (including a transposed view) into a contiguous *tensor.Dense
func Materialize(t tensor.Tensor) (*tensor.Dense, error) {
	d, ok := tensor.Materialize(t).(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("Expected a dense tensor, but got %T", t)
	}
	return d, nil
}

// Dims4 unpacks an NCHW shape
func Dims4(s tensor.Shape) (n, c, h, w int, err error) {
	if len(s) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%w: expected NCHW, but got %v", ErrShapeMismatch, s)
	}
	return s[0], s[1], s[2], s[3], nil
}

// Sequential runs a list of layers in order
type Sequential []Layer

func (s Sequential) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	var err error
	for i, l := range s {
		if x, err = l.Forward(x); err != nil {
			return nil, fmt.Errorf("layer %v: %w", i, err)
		}
	}
	return x, nil
}

func (s Sequential) OutShape(in tensor.Shape) (tensor.Shape, error) {
	var err error
	for i, l := range s {
		if in, err = l.OutShape(in); err != nil {
			return nil, fmt.Errorf("layer %v: %w", i, err)
		}
	}
	return in, nil
}

func (s Sequential) Params() []Param {
	var all []Param
	for i, l := range s {
		all = append(all, Prefixed(fmt.Sprint(i), l.Params())...)
	}
	return all
}
