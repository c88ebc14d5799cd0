// Package nn holds the types that are shared by our detection models, their decoders,
// and anything that consumes detections. To load a model, use the modelload package.
package nn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.45

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
	Unclipped            bool    // If true, don't clip boxes to the image boundaries
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
		Unclipped:            false,
	}
}

// WithDefaults returns a copy of p, with zero values replaced by defaults
func (p DetectionParams) WithDefaults() DetectionParams {
	if p.ProbabilityThreshold == 0 {
		p.ProbabilityThreshold = DefaultProbabilityThreshold
	}
	if p.NmsIouThreshold == 0 {
		p.NmsIouThreshold = DefaultNmsIouThreshold
	}
	return p
}

// ImageCrop is a crop of an 8-bit image.
// To create an ImageCrop, start with WholeImage(), and then use Crop() to get a sub-crop.
type ImageCrop struct {
	NChan       int    // Number of channels (eg 3 for RGB)
	Pixels      []byte // The whole image
	ImageWidth  int    // The width of the original image, held in Pixels
	ImageHeight int    // The height of the original image, held in Pixels
	CropX       int    // Origin of crop X
	CropY       int    // Origin of crop Y
	CropWidth   int    // The width of this crop
	CropHeight  int    // The height of this crop
}

// Return a crop of the crop (new crop is relative to existing).
// If any parameter is out of bounds, we panic
func (c ImageCrop) Crop(x1, y1, x2, y2 int) ImageCrop {
	nc := ImageCrop{
		NChan:       c.NChan,
		Pixels:      c.Pixels,
		ImageWidth:  c.ImageWidth,
		ImageHeight: c.ImageHeight,
		CropX:       c.CropX + x1,
		CropY:       c.CropY + y1,
		CropWidth:   x2 - x1,
		CropHeight:  y2 - y1,
	}
	if nc.CropX < 0 || nc.CropY < 0 || nc.CropWidth < 0 || nc.CropHeight < 0 || nc.CropX+nc.CropWidth > c.ImageWidth || nc.CropY+nc.CropHeight > c.ImageHeight {
		panic("Crop out of bounds")
	}
	return nc
}

// Return a 'crop' of the entire image
func WholeImage(nchan int, pixels []byte, width, height int) ImageCrop {
	return ImageCrop{
		NChan:       nchan,
		Pixels:      pixels,
		ImageWidth:  width,
		ImageHeight: height,
		CropX:       0,
		CropY:       0,
		CropWidth:   width,
		CropHeight:  height,
	}
}

// ObjectDetector is given an image, and returns zero or more detected objects
type ObjectDetector interface {
	// Close releases any resources held by the detector
	Close()

	// DetectObjects returns a list of objects detected in the image.
	// The image must be 24-bit RGB.
	// You can create a default DetectionParams with NewDetectionParams()
	DetectObjects(img ImageCrop, params *DetectionParams) ([]ObjectDetection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// Anchors are reference box sizes, indexed by [scale][anchor], as {width, height}.
// They are normalized to the image size, and the coarsest scale comes first.
type Anchors [][][2]float32

// The YOLOv3 anchors, rescaled from the original 416x416 pixel values
func DefaultAnchors() Anchors {
	return Anchors{
		{{0.28, 0.22}, {0.38, 0.48}, {0.9, 0.78}},
		{{0.07, 0.15}, {0.15, 0.11}, {0.14, 0.29}},
		{{0.02, 0.03}, {0.04, 0.07}, {0.08, 0.06}},
	}
}

// Flatten returns all anchors in a single list, in scale order
func (a Anchors) Flatten() [][2]float32 {
	var all [][2]float32
	for _, scale := range a {
		all = append(all, scale...)
	}
	return all
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string          `json:"architecture"`           // "yolov3" or "yolov1"
	Width        int             `json:"width"`                  // eg 416
	Height       int             `json:"height"`                 // eg 416
	Classes      []string        `json:"classes"`                // eg ["aeroplane", "bicycle", "bird", ...]
	Anchors      Anchors         `json:"anchors,omitempty"`      // yolov3 only. Empty means DefaultAnchors()
	Network      json.RawMessage `json:"network,omitempty"`      // yolov3 only. Custom stage list. Empty means the standard network.
	GridSize     int             `json:"gridSize,omitempty"`     // yolov1 only (S)
	BoxesPerCell int             `json:"boxesPerCell,omitempty"` // yolov1 only (B)
	Weights      string          `json:"weights,omitempty"`      // Checkpoint filename (relative to the model dir) or URL
	Seed         uint64          `json:"seed,omitempty"`         // Seed for random initialization, when there are no weights
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	if config.Width%32 != 0 || config.Height%32 != 0 {
		return nil, fmt.Errorf("Model size %vx%v in %v must be a multiple of 32", config.Width, config.Height, filename)
	}
	if len(config.Anchors) == 0 && config.Architecture == "yolov3" {
		config.Anchors = DefaultAnchors()
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
