package layers

import (
	"github.com/pdevine/tensor"
)

// LeakyReLU passes positive values through, and multiplies negative values by Slope.
// A Slope of zero is a plain ReLU.
type LeakyReLU struct {
	Slope float32
}

func NewLeakyReLU(slope float32) *LeakyReLU {
	return &LeakyReLU{Slope: slope}
}

func NewReLU() *LeakyReLU {
	return &LeakyReLU{}
}

func (a *LeakyReLU) OutShape(in tensor.Shape) (tensor.Shape, error) {
	return in.Clone(), nil
}

func (a *LeakyReLU) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	out := Clone(x)
	a.ForwardInPlace(out)
	return out, nil
}

func (a *LeakyReLU) ForwardInPlace(x *tensor.Dense) {
	data := Data(x)
	for i, v := range data {
		if v < 0 {
			data[i] = v * a.Slope
		}
	}
}

func (a *LeakyReLU) Params() []Param { return nil }

// Dropout is the identity at inference time. It exists so that parameter
// indices line up with networks that were trained with dropout.
type Dropout struct {
	P float32
}

func (d *Dropout) OutShape(in tensor.Shape) (tensor.Shape, error) { return in.Clone(), nil }
func (d *Dropout) Forward(x *tensor.Dense) (*tensor.Dense, error) { return x, nil }
func (d *Dropout) Params() []Param                                { return nil }
