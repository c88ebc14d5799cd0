package yolov3

import (
	"fmt"

	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/pdevine/tensor"
)

const LeakySlope = 0.1

// ConvBlock is a convolution, optionally followed by batch norm and a leaky ReLU.
// The batch norm and activation are either both present or both absent.
// When they are absent the convolution has its own bias, and when present the
// batch norm shift takes its place.
type ConvBlock struct {
	Conv         *layers.Conv2D
	BatchNorm    *layers.BatchNorm2D // nil if !BatchNormAct
	Act          *layers.LeakyReLU   // nil if !BatchNormAct
	BatchNormAct bool
}

func NewConvBlock(in, out, kernel, stride, padding int, batchNormAct bool) *ConvBlock {
	b := &ConvBlock{
		Conv:         layers.NewConv2D(in, out, kernel, stride, padding, !batchNormAct),
		BatchNormAct: batchNormAct,
	}
	if batchNormAct {
		b.BatchNorm = layers.NewBatchNorm2D(out)
		b.Act = layers.NewLeakyReLU(LeakySlope)
	}
	return b
}

func (b *ConvBlock) OutShape(in tensor.Shape) (tensor.Shape, error) {
	return b.Conv.OutShape(in)
}

func (b *ConvBlock) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	y, err := b.Conv.Forward(x)
	if err != nil {
		return nil, err
	}
	if b.BatchNormAct {
		// y is freshly allocated by the conv, so we can work on it directly
		if err := b.BatchNorm.ForwardInPlace(y); err != nil {
			return nil, err
		}
		b.Act.ForwardInPlace(y)
	}
	return y, nil
}

func (b *ConvBlock) Params() []layers.Param {
	p := layers.Prefixed("conv", b.Conv.Params())
	if b.BatchNormAct {
		p = append(p, layers.Prefixed("batchnorm", b.BatchNorm.Params())...)
	}
	return p
}

// ResidualBlock repeats a (1x1 halve channels, 3x3 restore channels) pair.
// With UseResidual, each pair's output is added to its input.
type ResidualBlock struct {
	Channels    int
	Repeats     int
	UseResidual bool
	Pairs       [][2]*ConvBlock
}

func NewResidualBlock(channels, repeats int, useResidual bool) *ResidualBlock {
	r := &ResidualBlock{
		Channels:    channels,
		Repeats:     repeats,
		UseResidual: useResidual,
	}
	for i := 0; i < repeats; i++ {
		r.Pairs = append(r.Pairs, [2]*ConvBlock{
			NewConvBlock(channels, channels/2, 1, 1, 0, true),
			NewConvBlock(channels/2, channels, 3, 1, 1, true),
		})
	}
	return r
}

func (r *ResidualBlock) OutShape(in tensor.Shape) (tensor.Shape, error) {
	s := in
	var err error
	for _, pair := range r.Pairs {
		for _, b := range pair {
			if s, err = b.OutShape(s); err != nil {
				return nil, err
			}
		}
	}
	if r.UseResidual && !s.Eq(in) {
		return nil, fmt.Errorf("%w: residual output %v differs from input %v", layers.ErrShapeMismatch, s, in)
	}
	return s, nil
}

func (r *ResidualBlock) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	for _, pair := range r.Pairs {
		y, err := pair[0].Forward(x)
		if err != nil {
			return nil, err
		}
		if y, err = pair[1].Forward(y); err != nil {
			return nil, err
		}
		if r.UseResidual {
			if y, err = layers.Add(y, x); err != nil {
				return nil, err
			}
		}
		x = y
	}
	return x, nil
}

func (r *ResidualBlock) Params() []layers.Param {
	var p []layers.Param
	for i, pair := range r.Pairs {
		p = append(p, layers.Prefixed(fmt.Sprintf("layers.%v.0", i), pair[0].Params())...)
		p = append(p, layers.Prefixed(fmt.Sprintf("layers.%v.1", i), pair[1].Params())...)
	}
	return p
}

// ScalePredictionHead emits, for every cell of its input grid, NumAnchors predictions
// of (objectness, x, y, w, h, class scores...).
// Output shape is [N, NumAnchors, H, W, NumClasses+5].
type ScalePredictionHead struct {
	InChannels int
	NumClasses int
	NumAnchors int
	Pred       [2]*ConvBlock
}

func NewScalePredictionHead(in, numClasses, numAnchors int) *ScalePredictionHead {
	return &ScalePredictionHead{
		InChannels: in,
		NumClasses: numClasses,
		NumAnchors: numAnchors,
		Pred: [2]*ConvBlock{
			NewConvBlock(in, 2*in, 3, 1, 1, true),
			NewConvBlock(2*in, (numClasses+5)*numAnchors, 1, 1, 0, false),
		},
	}
}

func (h *ScalePredictionHead) OutShape(in tensor.Shape) (tensor.Shape, error) {
	s, err := h.Pred[0].OutShape(in)
	if err != nil {
		return nil, err
	}
	if s, err = h.Pred[1].OutShape(s); err != nil {
		return nil, err
	}
	return tensor.Shape{s[0], h.NumAnchors, s[2], s[3], h.NumClasses + 5}, nil
}

func (h *ScalePredictionHead) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	y, err := h.Pred[0].Forward(x)
	if err != nil {
		return nil, err
	}
	if y, err = h.Pred[1].Forward(y); err != nil {
		return nil, err
	}
	return reshapePrediction(y, h.NumAnchors, h.NumClasses)
}

func (h *ScalePredictionHead) Params() []layers.Param {
	p := layers.Prefixed("pred.0", h.Pred[0].Params())
	return append(p, layers.Prefixed("pred.1", h.Pred[1].Params())...)
}

// Turn [N, A*(K+5), H, W] into [N, A, H, W, K+5].
// Downstream decoding depends on this exact axis order.
func reshapePrediction(y *tensor.Dense, numAnchors, numClasses int) (*tensor.Dense, error) {
	n, c, h, w, err := layers.Dims4(y.Shape())
	if err != nil {
		return nil, err
	}
	if c != numAnchors*(numClasses+5) {
		return nil, fmt.Errorf("%w: prediction has %v channels, expected %v", layers.ErrShapeMismatch, c, numAnchors*(numClasses+5))
	}
	if err := y.Reshape(n, numAnchors, numClasses+5, h, w); err != nil {
		return nil, err
	}
	permuted, err := tensor.Transpose(y, 0, 1, 3, 4, 2)
	if err != nil {
		return nil, err
	}
	return layers.Materialize(permuted)
}
