package layers

import (
	"fmt"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear is a fully connected layer mapping [N, In] to [N, Out]
type Linear struct {
	In     int
	Out    int
	Weight *tensor.Dense // [out, in]
	Bias   *tensor.Dense // [out]
}

func NewLinear(in, out int) *Linear {
	return &Linear{
		In:     in,
		Out:    out,
		Weight: Zeros(out, in),
		Bias:   Zeros(out),
	}
}

func (l *Linear) OutShape(in tensor.Shape) (tensor.Shape, error) {
	if len(in) != 2 || in[1] != l.In {
		return nil, fmt.Errorf("%w: linear expects [N, %v], but got %v", ErrShapeMismatch, l.In, in)
	}
	return tensor.Shape{in[0], l.Out}, nil
}

func (l *Linear) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	outShape, err := l.OutShape(x.Shape())
	if err != nil {
		return nil, err
	}
	n := outShape[0]
	out := Zeros(outShape...)
	dst := Data(out)
	bias := Data(l.Bias)
	for i := 0; i < n; i++ {
		copy(dst[i*l.Out:(i+1)*l.Out], bias)
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: n, Cols: l.In, Stride: l.In, Data: Data(x)},
		blas32.General{Rows: l.Out, Cols: l.In, Stride: l.In, Data: Data(l.Weight)},
		1,
		blas32.General{Rows: n, Cols: l.Out, Stride: l.Out, Data: dst})
	return out, nil
}

func (l *Linear) Params() []Param {
	return []Param{
		{Name: "weight", Kind: KindWeight, FanIn: l.In, Value: l.Weight},
		{Name: "bias", Kind: KindBias, FanIn: l.In, Value: l.Bias},
	}
}
