package layers

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"
)

// MaxPool2D takes the maximum over square windows. Padding is treated as -Inf.
type MaxPool2D struct {
	Kernel  int
	Stride  int
	Padding int
}

func (m *MaxPool2D) OutShape(in tensor.Shape) (tensor.Shape, error) {
	n, c, h, w, err := Dims4(in)
	if err != nil {
		return nil, err
	}
	oh := (h+2*m.Padding-m.Kernel)/m.Stride + 1
	ow := (w+2*m.Padding-m.Kernel)/m.Stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: input %vx%v is too small for max pool", ErrShapeMismatch, w, h)
	}
	return tensor.Shape{n, c, oh, ow}, nil
}

func (m *MaxPool2D) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	outShape, err := m.OutShape(x.Shape())
	if err != nil {
		return nil, err
	}
	n, c, h, w, _ := Dims4(x.Shape())
	oh, ow := outShape[2], outShape[3]
	out := Zeros(outShape...)
	src, dst := Data(x), Data(out)
	for p := 0; p < n*c; p++ {
		in := src[p*h*w : (p+1)*h*w]
		res := dst[p*oh*ow : (p+1)*oh*ow]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := math32.Inf(-1)
				for ky := 0; ky < m.Kernel; ky++ {
					iy := oy*m.Stride - m.Padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < m.Kernel; kx++ {
						ix := ox*m.Stride - m.Padding + kx
						if ix < 0 || ix >= w {
							continue
						}
						best = max(best, in[iy*w+ix])
					}
				}
				res[oy*ow+ox] = best
			}
		}
	}
	return out, nil
}

func (m *MaxPool2D) Params() []Param { return nil }

// GlobalAvgPool averages each channel down to a single value, producing [N, C]
type GlobalAvgPool struct{}

func (g *GlobalAvgPool) OutShape(in tensor.Shape) (tensor.Shape, error) {
	n, c, _, _, err := Dims4(in)
	if err != nil {
		return nil, err
	}
	return tensor.Shape{n, c}, nil
}

func (g *GlobalAvgPool) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	n, c, h, w, err := Dims4(x.Shape())
	if err != nil {
		return nil, err
	}
	out := Zeros(n, c)
	src, dst := Data(x), Data(out)
	plane := h * w
	for p := range dst {
		sum := float32(0)
		for _, v := range src[p*plane : (p+1)*plane] {
			sum += v
		}
		dst[p] = sum / float32(plane)
	}
	return out, nil
}

func (g *GlobalAvgPool) Params() []Param { return nil }
