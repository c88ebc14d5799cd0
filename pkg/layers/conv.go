package layers

import (
	"fmt"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Conv2D is a 2D convolution with square kernels, computed as im2col followed by a single GEMM per image.
type Conv2D struct {
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int
	Weight      *tensor.Dense // [out, in, kernel, kernel]
	Bias        *tensor.Dense // [out], or nil
}

// NewConv2D creates a zero-initialized convolution.
// Use InitParams to give it starting values, or load them from a checkpoint.
func NewConv2D(in, out, kernel, stride, padding int, bias bool) *Conv2D {
	c := &Conv2D{
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		Weight:      Zeros(out, in, kernel, kernel),
	}
	if bias {
		c.Bias = Zeros(out)
	}
	return c
}

func (c *Conv2D) OutShape(in tensor.Shape) (tensor.Shape, error) {
	n, ch, h, w, err := Dims4(in)
	if err != nil {
		return nil, err
	}
	if ch != c.InChannels {
		return nil, fmt.Errorf("%w: conv expects %v input channels, but got %v", ErrShapeMismatch, c.InChannels, ch)
	}
	oh := (h+2*c.Padding-c.Kernel)/c.Stride + 1
	ow := (w+2*c.Padding-c.Kernel)/c.Stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: input %vx%v is too small for a %vx%v kernel", ErrShapeMismatch, w, h, c.Kernel, c.Kernel)
	}
	return tensor.Shape{n, c.OutChannels, oh, ow}, nil
}

func (c *Conv2D) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	outShape, err := c.OutShape(x.Shape())
	if err != nil {
		return nil, err
	}
	n, cin, h, w, _ := Dims4(x.Shape())
	oh, ow := outShape[2], outShape[3]
	k := c.Kernel
	src := Data(x)
	out := Zeros(outShape...)
	dst := Data(out)

	weights := blas32.General{Rows: c.OutChannels, Cols: cin * k * k, Stride: cin * k * k, Data: Data(c.Weight)}

	// A 1x1 convolution with unit stride is already in column form
	direct := k == 1 && c.Stride == 1 && c.Padding == 0
	var cols []float32
	if !direct {
		cols = make([]float32, cin*k*k*oh*ow)
	}

	inSize := cin * h * w
	outSize := c.OutChannels * oh * ow
	for b := 0; b < n; b++ {
		img := src[b*inSize : (b+1)*inSize]
		if direct {
			cols = img
		} else {
			im2col(img, cin, h, w, k, c.Stride, c.Padding, oh, ow, cols)
		}
		res := dst[b*outSize : (b+1)*outSize]
		beta := float32(0)
		if c.Bias != nil {
			fillRows(res, Data(c.Bias), oh*ow)
			beta = 1
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, weights,
			blas32.General{Rows: cin * k * k, Cols: oh * ow, Stride: oh * ow, Data: cols},
			beta,
			blas32.General{Rows: c.OutChannels, Cols: oh * ow, Stride: oh * ow, Data: res})
	}
	return out, nil
}

func (c *Conv2D) Params() []Param {
	fanIn := c.InChannels * c.Kernel * c.Kernel
	p := []Param{{Name: "weight", Kind: KindWeight, FanIn: fanIn, Value: c.Weight}}
	if c.Bias != nil {
		p = append(p, Param{Name: "bias", Kind: KindBias, FanIn: fanIn, Value: c.Bias})
	}
	return p
}

// Unroll the receptive field of every output pixel into a column.
// Row r of cols corresponds to (channel, ky, kx), matching the weight layout.
func im2col(src []float32, cin, h, w, k, stride, pad, oh, ow int, cols []float32) {
	row := 0
	for c := 0; c < cin; c++ {
		plane := src[c*h*w : (c+1)*h*w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				dst := cols[row*oh*ow : (row+1)*oh*ow]
				for oy := 0; oy < oh; oy++ {
					iy := oy*stride - pad + ky
					line := dst[oy*ow : (oy+1)*ow]
					if iy < 0 || iy >= h {
						clear(line)
						continue
					}
					for ox := range line {
						ix := ox*stride - pad + kx
						if ix < 0 || ix >= w {
							line[ox] = 0
						} else {
							line[ox] = plane[iy*w+ix]
						}
					}
				}
				row++
			}
		}
	}
}

// Set each of the len(values) rows of dst (each 'width' long) to the corresponding value
func fillRows(dst, values []float32, width int) {
	for r, v := range values {
		line := dst[r*width : (r+1)*width]
		for i := range line {
			line[i] = v
		}
	}
}
