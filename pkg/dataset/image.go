package dataset

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/cyclopcam/yolo/pkg/nn"
	"github.com/pdevine/tensor"
)

// LoadImage reads a JPEG, stretches it to width x height, and returns it as [3, height, width]
// float32 values in [0, 1]
func LoadImage(filename string, width, height int) (*tensor.Dense, error) {
	img, err := cimg.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error reading image %v: %w", filename, err)
	}
	img = img.ToRGB()
	if img.Width != width || img.Height != height {
		img = cimg.ResizeNew(img, width, height, nil)
	}
	t := layers.Zeros(3, height, width)
	if err := nn.ToPlanar(img, layers.Data(t)); err != nil {
		return nil, err
	}
	return t, nil
}
