// Package visual draws images, boxes and batch grids, for checking data and predictions by eye.
package visual

import (
	"fmt"
	"image"
	"image/color"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/yolo/pkg/gen"
	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/cyclopcam/yolo/pkg/nn"
	"github.com/fogleman/gg"
	"github.com/pdevine/tensor"
)

// Padding between images in a Grid, in pixels
const GridPadding = 2

var palette = []color.RGBA{
	{230, 25, 75, 255},
	{60, 180, 75, 255},
	{255, 225, 25, 255},
	{0, 130, 200, 255},
	{245, 130, 48, 255},
	{145, 30, 180, 255},
	{70, 240, 240, 255},
	{240, 50, 230, 255},
}

// ClassColor returns a stable color for a class
func ClassColor(class int) color.RGBA {
	return palette[max(class, 0)%len(palette)]
}

// TensorImage converts a [3, H, W] tensor of values in [0, 1] to an image.
// Values outside that range are clamped.
func TensorImage(t *tensor.Dense) (*image.RGBA, error) {
	s := t.Shape()
	if len(s) != 3 || s[0] != 3 {
		return nil, fmt.Errorf("%w: expected [3, H, W], but got %v", layers.ErrShapeMismatch, s)
	}
	h, w := s[1], s[2]
	data := layers.Data(t)
	plane := h * w
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	toByte := func(v float32) uint8 {
		return uint8(math32.Round(gen.Clamp(v, 0, 1) * 255))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			img.SetRGBA(x, y, color.RGBA{toByte(data[i]), toByte(data[plane+i]), toByte(data[2*plane+i]), 255})
		}
	}
	return img, nil
}

// FromCImg copies an 8-bit image of any channel count into an RGBA image
func FromCImg(img *cimg.Image) *image.RGBA {
	rgb := img.ToRGB()
	out := image.NewRGBA(image.Rect(0, 0, rgb.Width, rgb.Height))
	for y := 0; y < rgb.Height; y++ {
		src := rgb.Pixels[y*rgb.Stride : y*rgb.Stride+rgb.Width*3]
		dst := out.Pix[y*out.Stride : y*out.Stride+rgb.Width*4]
		for x := 0; x < rgb.Width; x++ {
			dst[x*4] = src[x*3]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 255
		}
	}
	return out
}

// BatchImages converts every image of an [N, 3, H, W] batch
func BatchImages(batch *tensor.Dense) ([]image.Image, error) {
	s := batch.Shape()
	if len(s) != 4 {
		return nil, fmt.Errorf("%w: expected [N, 3, H, W], but got %v", layers.ErrShapeMismatch, s)
	}
	size := s[1] * s[2] * s[3]
	data := layers.Data(batch)
	images := make([]image.Image, s[0])
	for i := range images {
		img, err := TensorImage(layers.FromSlice(data[i*size:(i+1)*size], s[1], s[2], s[3]))
		if err != nil {
			return nil, err
		}
		images[i] = img
	}
	return images, nil
}

// DrawBoxes returns a copy of img with an outline and a label for each object.
// Objects with a confidence below 1 have their confidence appended to the label.
func DrawBoxes(img image.Image, objects []nn.ObjectDetection, classes []string) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetLineWidth(1)
	for _, obj := range objects {
		c := ClassColor(obj.Class)
		dc.SetColor(c)
		dc.DrawRectangle(float64(obj.Box.X)+0.5, float64(obj.Box.Y)+0.5, float64(obj.Box.Width), float64(obj.Box.Height))
		dc.Stroke()

		label := fmt.Sprintf("%v", obj.Class)
		if obj.Class >= 0 && obj.Class < len(classes) {
			label = classes[obj.Class]
		}
		if obj.Confidence < 1 {
			label += fmt.Sprintf(" %.2f", obj.Confidence)
		}
		dc.DrawStringAnchored(label, float64(obj.Box.X)+2, float64(obj.Box.Y)+2, 0, 1)
	}
	return dc.Image()
}

// Grid tiles images into rows of nrow, separated by GridPadding black pixels.
// Every cell is the size of the first image.
func Grid(images []image.Image, nrow int) (image.Image, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("No images to tile")
	}
	if nrow <= 0 {
		return nil, fmt.Errorf("Invalid row length %v", nrow)
	}
	cell := images[0].Bounds().Size()
	cols := min(nrow, len(images))
	rows := (len(images) + cols - 1) / cols
	stepX := cell.X + GridPadding
	stepY := cell.Y + GridPadding
	dc := gg.NewContext(GridPadding+cols*stepX, GridPadding+rows*stepY)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	for i, img := range images {
		dc.DrawImage(img, GridPadding+(i%cols)*stepX, GridPadding+(i/cols)*stepY)
	}
	return dc.Image(), nil
}

func SavePNG(filename string, img image.Image) error {
	return gg.SavePNG(filename, img)
}
