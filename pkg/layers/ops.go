package layers

import (
	"fmt"

	"github.com/pdevine/tensor"
	"gorgonia.org/vecf32"
)

// Add returns a + b. The shapes must be identical.
func Add(a, b *tensor.Dense) (*tensor.Dense, error) {
	if !a.Shape().Eq(b.Shape()) {
		return nil, fmt.Errorf("%w: cannot add %v and %v", ErrShapeMismatch, a.Shape(), b.Shape())
	}
	out := Clone(a)
	vecf32.Add(Data(out), Data(b))
	return out, nil
}

// ConcatChannels joins two NCHW tensors along the channel axis, with a's channels first
func ConcatChannels(a, b *tensor.Dense) (*tensor.Dense, error) {
	an, _, ah, aw, err := Dims4(a.Shape())
	if err != nil {
		return nil, err
	}
	bn, _, bh, bw, err := Dims4(b.Shape())
	if err != nil {
		return nil, err
	}
	if an != bn || ah != bh || aw != bw {
		return nil, fmt.Errorf("%w: cannot concatenate %v with %v", ErrShapeMismatch, a.Shape(), b.Shape())
	}
	joined, err := tensor.Concat(1, a, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	return Materialize(joined)
}

// Upsample scales the spatial dimensions by an integer factor, using nearest neighbour sampling
type Upsample struct {
	Scale int
}

func NewUpsample(scale int) *Upsample {
	return &Upsample{Scale: scale}
}

func (u *Upsample) OutShape(in tensor.Shape) (tensor.Shape, error) {
	n, c, h, w, err := Dims4(in)
	if err != nil {
		return nil, err
	}
	return tensor.Shape{n, c, h * u.Scale, w * u.Scale}, nil
}

func (u *Upsample) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	outShape, err := u.OutShape(x.Shape())
	if err != nil {
		return nil, err
	}
	_, _, h, w, _ := Dims4(x.Shape())
	oh, ow := outShape[2], outShape[3]
	out := Zeros(outShape...)
	src, dst := Data(x), Data(out)
	planes := outShape[0] * outShape[1]
	for p := 0; p < planes; p++ {
		in := src[p*h*w : (p+1)*h*w]
		res := dst[p*oh*ow : (p+1)*oh*ow]
		for oy := 0; oy < oh; oy++ {
			srcLine := in[(oy/u.Scale)*w : (oy/u.Scale+1)*w]
			line := res[oy*ow : (oy+1)*ow]
			for ox := range line {
				line[ox] = srcLine[ox/u.Scale]
			}
		}
	}
	return out, nil
}

func (u *Upsample) Params() []Param { return nil }
