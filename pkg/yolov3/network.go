// Package yolov3 builds a YOLOv3 object detector from a declarative stage list,
// and decodes its output into object detections.
package yolov3

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"

	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/pdevine/tensor"
)

var ErrRouteStackEmpty = errors.New("Route stack is empty")

// What a step does with the route stack, and with its own output
type routeOp int

const (
	routeNone      routeOp = iota // Output becomes the current tensor
	routePush                     // Output becomes the current tensor, and is also pushed onto the route stack
	routePopConcat                // Output is concatenated with the top of the route stack, which is then popped
	routeTap                      // Output is a network prediction. The current tensor is left unchanged.
)

var routeNames = []string{"", "push", "concat", "output"}

func (r routeOp) String() string { return routeNames[r] }

type step struct {
	layer layers.Layer
	route routeOp
}

// Network is a YOLOv3 model. Its structure is fixed at construction time.
// Forward does not mutate the network, so it is safe to call from multiple goroutines.
type Network struct {
	config     Config
	inChannels int
	numClasses int
	steps      []step
}

// Forward runs a batch of images [N, C, H, W] through the network, and returns one
// prediction tensor per scale, coarsest first. Each has shape [N, anchors, H/stride, W/stride, classes+5].
// H and W must be multiples of 32 for the default config.
func (n *Network) Forward(x *tensor.Dense) ([]*tensor.Dense, error) {
	forward := func(l layers.Layer, t *tensor.Dense) (*tensor.Dense, error) { return l.Forward(t) }
	return walk(n.steps, x, forward, layers.ConcatChannels, nil)
}

// OutputShapes returns the shapes that Forward would produce for a batch of the given size,
// without computing anything.
func (n *Network) OutputShapes(batch, height, width int) ([]tensor.Shape, error) {
	outShape := func(l layers.Layer, s tensor.Shape) (tensor.Shape, error) { return l.OutShape(s) }
	return walk(n.steps, tensor.Shape{batch, n.inChannels, height, width}, outShape, concatShapes, nil)
}

// Replay the step list, maintaining the route stack.
// This is shared between real execution, shape inference, and Describe.
// If visit is not nil, it is called with the result of every step, after any concat.
func walk[T any](steps []step, x T, apply func(layers.Layer, T) (T, error), concat func(a, b T) (T, error), visit func(i int, s step, y T)) ([]T, error) {
	var outputs []T
	var routes []T
	for i, s := range steps {
		y, err := apply(s.layer, x)
		if err != nil {
			return nil, fmt.Errorf("Layer %v (%v): %w", i, layerName(s.layer), err)
		}
		switch s.route {
		case routeTap:
			outputs = append(outputs, y)
		case routePush:
			routes = append(routes, y)
		case routePopConcat:
			if len(routes) == 0 {
				return nil, fmt.Errorf("Layer %v: %w", i, ErrRouteStackEmpty)
			}
			top := routes[len(routes)-1]
			routes = routes[:len(routes)-1]
			if y, err = concat(y, top); err != nil {
				return nil, fmt.Errorf("Layer %v concat: %w", i, err)
			}
		}
		if visit != nil {
			visit(i, s, y)
		}
		// A scale head's output leaves the main path untouched
		if s.route != routeTap {
			x = y
		}
	}
	return outputs, nil
}

func concatShapes(a, b tensor.Shape) (tensor.Shape, error) {
	an, ac, ah, aw, err := layers.Dims4(a)
	if err != nil {
		return nil, err
	}
	bn, bc, bh, bw, err := layers.Dims4(b)
	if err != nil {
		return nil, err
	}
	if an != bn || ah != bh || aw != bw {
		return nil, fmt.Errorf("%w: cannot concatenate %v with %v", layers.ErrShapeMismatch, a, b)
	}
	return tensor.Shape{an, ac + bc, ah, aw}, nil
}

// StepInfo describes one layer of a network, for display
type StepInfo struct {
	Index    int
	Layer    string
	Route    string
	OutShape tensor.Shape
	Params   int
}

// Describe returns a per-layer summary for an input of the given size.
// OutShape is the shape of the tensor that continues to the next layer
// (for an output layer, it is the prediction shape).
func (n *Network) Describe(batch, height, width int) ([]StepInfo, error) {
	info := make([]StepInfo, 0, len(n.steps))
	outShape := func(l layers.Layer, s tensor.Shape) (tensor.Shape, error) { return l.OutShape(s) }
	visit := func(i int, s step, y tensor.Shape) {
		info = append(info, StepInfo{
			Index:    i,
			Layer:    layerName(s.layer),
			Route:    s.route.String(),
			OutShape: y,
			Params:   layers.CountParams(s.layer.Params()),
		})
	}
	if _, err := walk(n.steps, tensor.Shape{batch, n.inChannels, height, width}, outShape, concatShapes, visit); err != nil {
		return nil, err
	}
	return info, nil
}

// Params returns every parameter, named the same way as a PyTorch state dict of the equivalent model
func (n *Network) Params() []layers.Param {
	var all []layers.Param
	for i, s := range n.steps {
		all = append(all, layers.Prefixed(fmt.Sprintf("layers.%v", i), s.layer.Params())...)
	}
	return all
}

// NumParams returns the number of scalar parameters, including batch norm statistics
func (n *Network) NumParams() int {
	return layers.CountParams(n.Params())
}

// Init gives all parameters deterministic random starting values
func (n *Network) Init(seed uint64) {
	layers.InitParams(n.Params(), rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func (n *Network) NumClasses() int      { return n.numClasses }
func (n *Network) InChannels() int      { return n.inChannels }
func (n *Network) AnchorsPerScale() int { return n.config.AnchorsPerScale }
func (n *Network) NumScales() int       { return n.config.NumScales() }

func layerName(l layers.Layer) string {
	t := reflect.TypeOf(l)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
