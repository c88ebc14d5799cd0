package yolov3

import (
	"fmt"

	"github.com/cyclopcam/yolo/pkg/layers"
)

// New interprets cfg into a network that accepts images with inChannels channels,
// and predicts numClasses classes.
//
// Channel counts are tracked as the stages are walked, but are not validated.
// A config whose channels don't line up will produce an ErrShapeMismatch on the first Forward.
func New(cfg Config, inChannels, numClasses int) (*Network, error) {
	cfg = cfg.withDefaults()
	n := &Network{
		config:     cfg,
		inChannels: inChannels,
		numClasses: numClasses,
	}
	add := func(l layers.Layer, r routeOp) {
		n.steps = append(n.steps, step{layer: l, route: r})
	}

	in := inChannels
	for i, spec := range cfg.Stages {
		switch spec.Kind {
		case KindConv:
			padding := 0
			if spec.KernelSize == 3 {
				padding = 1
			}
			add(NewConvBlock(in, spec.OutChannels, spec.KernelSize, spec.Stride, padding, true), routeNone)
			in = spec.OutChannels
		case KindResidual:
			route := routeNone
			if spec.Repeats == cfg.RouteRepeats {
				route = routePush
			}
			add(NewResidualBlock(in, spec.Repeats, true), route)
		case KindScalePrediction:
			add(NewResidualBlock(in, 1, false), routeNone)
			add(NewConvBlock(in, in/2, 1, 1, 0, true), routeNone)
			add(NewScalePredictionHead(in/2, numClasses, cfg.AnchorsPerScale), routeTap)
			in /= 2
		case KindUpsample:
			add(layers.NewUpsample(2), routePopConcat)
			// The upsampled tensor is about to be joined with a route that has twice its channels
			in *= 3
		default:
			return nil, fmt.Errorf("Stage %v has unknown kind %v", i, spec.Kind)
		}
	}
	return n, nil
}
