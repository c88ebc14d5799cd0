package yolov3

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Kind identifies the shape of a LayerSpec
type Kind int

const (
	KindConv            Kind = iota // Plain convolution: OutChannels, KernelSize, Stride
	KindResidual                    // Residual block: Repeats
	KindScalePrediction             // Detection head at the current resolution
	KindUpsample                    // 2x upsample, followed by a concat with the most recent route
)

var kindNames = []string{
	KindConv:            "conv",
	KindResidual:        "residual",
	KindScalePrediction: "scale",
	KindUpsample:        "upsample",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(kindNames) {
		return nil, fmt.Errorf("Unknown layer kind %d", int(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	i := slices.Index(kindNames, string(b))
	if i < 0 {
		return fmt.Errorf("Unknown layer kind '%v'", string(b))
	}
	*k = Kind(i)
	return nil
}

// LayerSpec is one entry of a network configuration.
// Which fields are meaningful depends on Kind.
type LayerSpec struct {
	Kind        Kind `json:"kind"`
	OutChannels int  `json:"outChannels,omitempty"`
	KernelSize  int  `json:"kernelSize,omitempty"`
	Stride      int  `json:"stride,omitempty"`
	Repeats     int  `json:"repeats,omitempty"`
}

func Conv(outChannels, kernelSize, stride int) LayerSpec {
	return LayerSpec{Kind: KindConv, OutChannels: outChannels, KernelSize: kernelSize, Stride: stride}
}

func Residual(repeats int) LayerSpec {
	return LayerSpec{Kind: KindResidual, Repeats: repeats}
}

func ScalePrediction() LayerSpec {
	return LayerSpec{Kind: KindScalePrediction}
}

func Upsample() LayerSpec {
	return LayerSpec{Kind: KindUpsample}
}

func (s LayerSpec) String() string {
	switch s.Kind {
	case KindConv:
		return fmt.Sprintf("conv(%v, %v, %v)", s.OutChannels, s.KernelSize, s.Stride)
	case KindResidual:
		return fmt.Sprintf("residual(%v)", s.Repeats)
	}
	return s.Kind.String()
}

const DefaultRouteRepeats = 8
const DefaultAnchorsPerScale = 3

// Config describes a network. It is passed by value to New, and never modified by the network.
type Config struct {
	Stages          []LayerSpec `json:"stages"`
	RouteRepeats    int         `json:"routeRepeats,omitempty"`    // Residual stages with this many repeats are saved for a later concat. Zero means 8.
	AnchorsPerScale int         `json:"anchorsPerScale,omitempty"` // Zero means 3
}

// DarknetStages returns the Darknet-53 feature extractor
func DarknetStages() []LayerSpec {
	return []LayerSpec{
		Conv(32, 3, 1),
		Conv(64, 3, 2),
		Residual(1),
		Conv(128, 3, 2),
		Residual(2),
		Conv(256, 3, 2),
		Residual(8), // route to the finest scale
		Conv(512, 3, 2),
		Residual(8), // route to the middle scale
		Conv(1024, 3, 2),
		Residual(4),
	}
}

// DefaultConfig returns the complete YOLOv3 network: Darknet-53 followed by three detection scales
func DefaultConfig() Config {
	stages := DarknetStages()
	stages = append(stages,
		Conv(512, 1, 1),
		Conv(1024, 3, 1),
		ScalePrediction(), // stride 32
		Conv(256, 1, 1),
		Upsample(),
		Conv(256, 1, 1),
		Conv(512, 3, 1),
		ScalePrediction(), // stride 16
		Conv(128, 1, 1),
		Upsample(),
		Conv(128, 1, 1),
		Conv(256, 3, 1),
		ScalePrediction(), // stride 8
	)
	return Config{
		Stages:          stages,
		RouteRepeats:    DefaultRouteRepeats,
		AnchorsPerScale: DefaultAnchorsPerScale,
	}
}

// ParseConfig decodes a JSON network description
func ParseConfig(raw []byte) (Config, error) {
	cfg := Config{}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("Invalid network config: %w", err)
	}
	return cfg.withDefaults(), nil
}

// NumScales returns the number of detection heads in the config
func (c Config) NumScales() int {
	n := 0
	for _, s := range c.Stages {
		if s.Kind == KindScalePrediction {
			n++
		}
	}
	return n
}

func (c Config) withDefaults() Config {
	c.Stages = slices.Clone(c.Stages)
	if c.RouteRepeats == 0 {
		c.RouteRepeats = DefaultRouteRepeats
	}
	if c.AnchorsPerScale == 0 {
		c.AnchorsPerScale = DefaultAnchorsPerScale
	}
	return c
}
