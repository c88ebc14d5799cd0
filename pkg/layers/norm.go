package layers

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"
)

const DefaultBatchNormEps = 1e-5

// BatchNorm2D normalizes each channel using its running statistics.
// We only run inference, so batch statistics are never computed.
type BatchNorm2D struct {
	Channels    int
	Eps         float32
	Weight      *tensor.Dense // gamma [channels]
	Bias        *tensor.Dense // beta [channels]
	RunningMean *tensor.Dense // [channels]
	RunningVar  *tensor.Dense // [channels]
}

func NewBatchNorm2D(channels int) *BatchNorm2D {
	return &BatchNorm2D{
		Channels:    channels,
		Eps:         DefaultBatchNormEps,
		Weight:      Fill(1, channels),
		Bias:        Zeros(channels),
		RunningMean: Zeros(channels),
		RunningVar:  Fill(1, channels),
	}
}

func (b *BatchNorm2D) OutShape(in tensor.Shape) (tensor.Shape, error) {
	_, c, _, _, err := Dims4(in)
	if err != nil {
		return nil, err
	}
	if c != b.Channels {
		return nil, fmt.Errorf("%w: batch norm expects %v channels, but got %v", ErrShapeMismatch, b.Channels, c)
	}
	return in.Clone(), nil
}

func (b *BatchNorm2D) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	out := Clone(x)
	if err := b.ForwardInPlace(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ForwardInPlace normalizes x without allocating a new tensor
func (b *BatchNorm2D) ForwardInPlace(x *tensor.Dense) error {
	if _, err := b.OutShape(x.Shape()); err != nil {
		return err
	}
	n, c, h, w, _ := Dims4(x.Shape())
	gamma, beta := Data(b.Weight), Data(b.Bias)
	mean, variance := Data(b.RunningMean), Data(b.RunningVar)

	// Fold the statistics into a single multiply-add per channel
	scale := make([]float32, c)
	shift := make([]float32, c)
	for i := 0; i < c; i++ {
		scale[i] = gamma[i] / math32.Sqrt(variance[i]+b.Eps)
		shift[i] = beta[i] - mean[i]*scale[i]
	}

	data := Data(x)
	plane := h * w
	for img := 0; img < n; img++ {
		for ch := 0; ch < c; ch++ {
			p := data[(img*c+ch)*plane : (img*c+ch+1)*plane]
			s, t := scale[ch], shift[ch]
			for i := range p {
				p[i] = p[i]*s + t
			}
		}
	}
	return nil
}

func (b *BatchNorm2D) Params() []Param {
	return []Param{
		{Name: "weight", Kind: KindBNScale, Value: b.Weight},
		{Name: "bias", Kind: KindBNShift, Value: b.Bias},
		{Name: "running_mean", Kind: KindBNMean, Value: b.RunningMean},
		{Name: "running_var", Kind: KindBNVar, Value: b.RunningVar},
	}
}
