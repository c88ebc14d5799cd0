package yolov3

import (
	"fmt"
	"time"

	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/cyclopcam/yolo/pkg/nn"
	"github.com/cyclopcam/yolo/pkg/perfstats"
)

// Detector runs a YOLOv3 network on single images. It implements nn.ObjectDetector.
type Detector struct {
	net           *Network
	config        nn.ModelConfig
	inferenceTime perfstats.TimeAccumulator
}

func NewDetector(net *Network, config *nn.ModelConfig) (*Detector, error) {
	if net.InChannels() != 3 {
		return nil, fmt.Errorf("Detector needs an RGB network, but the network has %v input channels", net.InChannels())
	}
	if len(config.Classes) != net.NumClasses() {
		return nil, fmt.Errorf("Model config has %v classes, but the network predicts %v", len(config.Classes), net.NumClasses())
	}
	cfg := *config
	if len(cfg.Anchors) == 0 {
		cfg.Anchors = nn.DefaultAnchors()
	}
	if len(cfg.Anchors) != net.NumScales() {
		return nil, fmt.Errorf("Model config has %v anchor scales, but the network has %v", len(cfg.Anchors), net.NumScales())
	}
	for i, a := range cfg.Anchors {
		if len(a) != net.AnchorsPerScale() {
			return nil, fmt.Errorf("Anchor scale %v has %v anchors, but the network uses %v", i, len(a), net.AnchorsPerScale())
		}
	}
	return &Detector{
		net:    net,
		config: cfg,
	}, nil
}

func (d *Detector) Close() {}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *Detector) Network() *Network {
	return d.net
}

// InferenceTime returns the number of network evaluations, and the time spent in them
func (d *Detector) InferenceTime() perfstats.Accumulator[time.Duration] {
	return d.inferenceTime.Snapshot()
}

// DetectObjects resizes the crop to the network size, runs the network, and returns the objects
// found, in the coordinate space of the crop.
func (d *Detector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	resized, err := nn.CropToImage(img, d.config.Width, d.config.Height)
	if err != nil {
		return nil, err
	}
	x := layers.Zeros(1, 3, d.config.Height, d.config.Width)
	if err := nn.ToPlanar(resized, layers.Data(x)); err != nil {
		return nil, err
	}
	start := time.Now()
	preds, err := d.net.Forward(x)
	d.inferenceTime.Since(start)
	if err != nil {
		return nil, err
	}
	// Boxes are normalized inside Decode, so we can scale straight to the crop size
	objects, err := Decode(preds, d.config.Anchors, params, img.CropWidth, img.CropHeight)
	if err != nil {
		return nil, err
	}
	return objects[0], nil
}
