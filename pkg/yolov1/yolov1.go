// Package yolov1 is a YOLOv1 detector on a ResNet-18 backbone.
// It predicts a single S x S grid, with B boxes and C class scores per cell.
package yolov1

import (
	"fmt"
	"math/rand/v2"

	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/pdevine/tensor"
)

// Width of the hidden fully connected layer between the backbone and the grid predictions
const HiddenUnits = 496

const DropoutRate = 0.5
const LeakySlope = 0.1

type Network struct {
	S, B, C int
	ResNet  *ResNet18
	Dropout *layers.Dropout
	Act     *layers.LeakyReLU
	Linear  *layers.Linear
}

func New(S, B, C int) (*Network, error) {
	if S <= 0 || B <= 0 || C <= 0 {
		return nil, fmt.Errorf("Invalid YOLOv1 dimensions S=%v B=%v C=%v", S, B, C)
	}
	return &Network{
		S:       S,
		B:       B,
		C:       C,
		ResNet:  NewResNet18(HiddenUnits),
		Dropout: &layers.Dropout{P: DropoutRate},
		Act:     layers.NewLeakyReLU(LeakySlope),
		Linear:  layers.NewLinear(HiddenUnits, S*S*(C+5*B)),
	}, nil
}

// CellAttributes is the number of values predicted for each grid cell
func (n *Network) CellAttributes() int {
	return n.C + 5*n.B
}

// Forward maps [N, 3, H, W] images to [N, S*S*(C+5B)] flat predictions
func (n *Network) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	y, err := n.ResNet.Forward(x)
	if err != nil {
		return nil, err
	}
	if y, err = n.Dropout.Forward(y); err != nil {
		return nil, err
	}
	// The linear layer output is ours, so no need to copy
	n.Act.ForwardInPlace(y)
	return n.Linear.Forward(y)
}

func (n *Network) OutputShape(batch, height, width int) (tensor.Shape, error) {
	return layers.Sequential{n.ResNet, n.Dropout, n.Act, n.Linear}.OutShape(tensor.Shape{batch, 3, height, width})
}

// Grid views flat predictions as [N, S, S, C+5B]. The result shares memory with out.
func (n *Network) Grid(out *tensor.Dense) (*tensor.Dense, error) {
	s := out.Shape()
	if len(s) != 2 || s[1] != n.S*n.S*n.CellAttributes() {
		return nil, fmt.Errorf("%w: %v is not a flat %vx%v grid of %v", layers.ErrShapeMismatch, s, n.S, n.S, n.CellAttributes())
	}
	return layers.FromSlice(layers.Data(out), s[0], n.S, n.S, n.CellAttributes()), nil
}

// Params are named like the state dict of the equivalent PyTorch module
func (n *Network) Params() []layers.Param {
	p := layers.Prefixed("resnet", n.ResNet.Params())
	return append(p, layers.Prefixed("linear", n.Linear.Params())...)
}

func (n *Network) NumParams() int {
	return layers.CountParams(n.Params())
}

func (n *Network) Init(seed uint64) {
	layers.InitParams(n.Params(), rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
