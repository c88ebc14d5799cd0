package yolov1

import (
	"fmt"

	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/pdevine/tensor"
)

// BasicBlock is the two-conv residual block of ResNet-18/34.
// When the block changes resolution or width, the shortcut goes through a 1x1 conv and batch norm.
type BasicBlock struct {
	Conv1      *layers.Conv2D
	BN1        *layers.BatchNorm2D
	Conv2      *layers.Conv2D
	BN2        *layers.BatchNorm2D
	Downsample *layers.Conv2D      // nil for an identity shortcut
	DownBN     *layers.BatchNorm2D // nil for an identity shortcut
}

func NewBasicBlock(in, out, stride int) *BasicBlock {
	b := &BasicBlock{
		Conv1: layers.NewConv2D(in, out, 3, stride, 1, false),
		BN1:   layers.NewBatchNorm2D(out),
		Conv2: layers.NewConv2D(out, out, 3, 1, 1, false),
		BN2:   layers.NewBatchNorm2D(out),
	}
	if stride != 1 || in != out {
		b.Downsample = layers.NewConv2D(in, out, 1, stride, 0, false)
		b.DownBN = layers.NewBatchNorm2D(out)
	}
	return b
}

func (b *BasicBlock) OutShape(in tensor.Shape) (tensor.Shape, error) {
	s, err := b.Conv1.OutShape(in)
	if err != nil {
		return nil, err
	}
	return b.Conv2.OutShape(s)
}

func (b *BasicBlock) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	relu := layers.NewReLU()
	y, err := b.Conv1.Forward(x)
	if err != nil {
		return nil, err
	}
	if err := b.BN1.ForwardInPlace(y); err != nil {
		return nil, err
	}
	relu.ForwardInPlace(y)
	if y, err = b.Conv2.Forward(y); err != nil {
		return nil, err
	}
	if err := b.BN2.ForwardInPlace(y); err != nil {
		return nil, err
	}

	shortcut := x
	if b.Downsample != nil {
		if shortcut, err = b.Downsample.Forward(x); err != nil {
			return nil, err
		}
		if err := b.DownBN.ForwardInPlace(shortcut); err != nil {
			return nil, err
		}
	}
	if y, err = layers.Add(y, shortcut); err != nil {
		return nil, err
	}
	relu.ForwardInPlace(y)
	return y, nil
}

func (b *BasicBlock) Params() []layers.Param {
	p := layers.Prefixed("conv1", b.Conv1.Params())
	p = append(p, layers.Prefixed("bn1", b.BN1.Params())...)
	p = append(p, layers.Prefixed("conv2", b.Conv2.Params())...)
	p = append(p, layers.Prefixed("bn2", b.BN2.Params())...)
	if b.Downsample != nil {
		p = append(p, layers.Prefixed("downsample.0", b.Downsample.Params())...)
		p = append(p, layers.Prefixed("downsample.1", b.DownBN.Params())...)
	}
	return p
}

// ResNet18 is the torchvision ResNet-18, with its classifier replaced by FC.
// Parameter names match a torchvision state dict, so pretrained weights can be converted directly.
type ResNet18 struct {
	Conv1  *layers.Conv2D
	BN1    *layers.BatchNorm2D
	Pool   *layers.MaxPool2D
	Stages [4][2]*BasicBlock
	FC     *layers.Linear
}

var resnetWidths = [4]int{64, 128, 256, 512}

// NewResNet18 creates a ResNet-18 whose final fully connected layer has fcOut outputs
func NewResNet18(fcOut int) *ResNet18 {
	r := &ResNet18{
		Conv1: layers.NewConv2D(3, 64, 7, 2, 3, false),
		BN1:   layers.NewBatchNorm2D(64),
		Pool:  &layers.MaxPool2D{Kernel: 3, Stride: 2, Padding: 1},
		FC:    layers.NewLinear(resnetWidths[3], fcOut),
	}
	in := 64
	for i, w := range resnetWidths {
		stride := 2
		if i == 0 {
			stride = 1
		}
		r.Stages[i] = [2]*BasicBlock{NewBasicBlock(in, w, stride), NewBasicBlock(w, w, 1)}
		in = w
	}
	return r
}

// Run everything up to, but excluding, global pooling
func (r *ResNet18) features(x *tensor.Dense) (*tensor.Dense, error) {
	y, err := r.Conv1.Forward(x)
	if err != nil {
		return nil, err
	}
	if err := r.BN1.ForwardInPlace(y); err != nil {
		return nil, err
	}
	layers.NewReLU().ForwardInPlace(y)
	if y, err = r.Pool.Forward(y); err != nil {
		return nil, err
	}
	for i, stage := range r.Stages {
		for j, b := range stage {
			if y, err = b.Forward(y); err != nil {
				return nil, fmt.Errorf("layer%v.%v: %w", i+1, j, err)
			}
		}
	}
	return y, nil
}

func (r *ResNet18) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	y, err := r.features(x)
	if err != nil {
		return nil, err
	}
	if y, err = (&layers.GlobalAvgPool{}).Forward(y); err != nil {
		return nil, err
	}
	return r.FC.Forward(y)
}

func (r *ResNet18) OutShape(in tensor.Shape) (tensor.Shape, error) {
	chain := layers.Sequential{r.Conv1, r.Pool}
	for _, stage := range r.Stages {
		chain = append(chain, stage[0], stage[1])
	}
	chain = append(chain, &layers.GlobalAvgPool{}, r.FC)
	return chain.OutShape(in)
}

func (r *ResNet18) Params() []layers.Param {
	p := layers.Prefixed("conv1", r.Conv1.Params())
	p = append(p, layers.Prefixed("bn1", r.BN1.Params())...)
	for i, stage := range r.Stages {
		for j, b := range stage {
			p = append(p, layers.Prefixed(fmt.Sprintf("layer%v.%v", i+1, j), b.Params())...)
		}
	}
	return append(p, layers.Prefixed("fc", r.FC.Params())...)
}
