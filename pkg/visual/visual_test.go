package visual

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/cyclopcam/yolo/pkg/nn"
	"github.com/stretchr/testify/require"
)

func TestTensorImage(t *testing.T) {
	x := layers.Zeros(3, 2, 3)
	data := layers.Data(x)
	data[0] = 1     // R at (0,0)
	data[6+4] = 0.5 // G at (1,1)
	data[12+5] = 2  // B at (2,1), clamped
	data[12+0] = -1 // B at (0,0), clamped
	img, err := TensorImage(x)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	require.Equal(t, color.RGBA{255, 0, 0, 255}, img.RGBAAt(0, 0))
	require.Equal(t, color.RGBA{0, 128, 0, 255}, img.RGBAAt(1, 1))
	require.Equal(t, color.RGBA{0, 0, 255, 255}, img.RGBAAt(2, 1))

	_, err = TensorImage(layers.Zeros(1, 2, 3))
	require.ErrorIs(t, err, layers.ErrShapeMismatch)

	images, err := BatchImages(layers.Fill(1, 5, 3, 4, 4))
	require.NoError(t, err)
	require.Len(t, images, 5)
	require.Equal(t, color.RGBA{255, 255, 255, 255}, images[4].(*image.RGBA).RGBAAt(3, 3))
}

func TestGrid(t *testing.T) {
	var images []image.Image
	for i := 0; i < 5; i++ {
		img, err := TensorImage(layers.Fill(1, 3, 10, 20))
		require.NoError(t, err)
		images = append(images, img)
	}
	grid, err := Grid(images, 4)
	require.NoError(t, err)
	// 4 columns and 2 rows of 20x10, with 2 pixels of padding around every cell
	require.Equal(t, image.Rect(0, 0, 2+4*22, 2+2*12), grid.Bounds())
	white := color.RGBA{255, 255, 255, 255}
	black := color.RGBA{0, 0, 0, 255}
	at := func(x, y int) color.RGBA {
		return color.RGBAModel.Convert(grid.At(x, y)).(color.RGBA)
	}
	require.Equal(t, black, at(0, 0))
	require.Equal(t, white, at(2, 2))
	require.Equal(t, black, at(22, 2))
	require.Equal(t, white, at(2, 14))
	// Only one image on the second row
	require.Equal(t, black, at(2+22+5, 14+5))

	_, err = Grid(nil, 4)
	require.Error(t, err)
}

func TestDrawBoxes(t *testing.T) {
	img, err := TensorImage(layers.Zeros(3, 40, 60))
	require.NoError(t, err)
	objects := []nn.ObjectDetection{{Class: 1, Confidence: 0.8, Box: nn.Rect{X: 5, Y: 5, Width: 50, Height: 30}}}
	drawn := DrawBoxes(img, objects, []string{"cat", "dog"})
	require.Equal(t, img.Bounds(), drawn.Bounds())
	// The outline is drawn, the inside of the box (away from the label) is left alone,
	// and the source image is not modified.
	c := color.RGBAModel.Convert(drawn.At(30, 35)).(color.RGBA)
	require.NotEqual(t, uint8(0), c.G)
	c = color.RGBAModel.Convert(drawn.At(30, 30)).(color.RGBA)
	require.Equal(t, color.RGBA{0, 0, 0, 255}, c)
	require.Equal(t, color.RGBA{0, 0, 0, 255}, img.RGBAAt(30, 35))

	fn := filepath.Join(t.TempDir(), "boxes.png")
	require.NoError(t, SavePNG(fn, drawn))
	_, err = os.Stat(fn)
	require.NoError(t, err)
}

func TestFromCImg(t *testing.T) {
	src := cimg.NewImage(3, 2, cimg.PixelFormatRGB)
	copy(src.Pixels[src.Stride+3:], []byte{10, 20, 30})
	img := FromCImg(src)
	require.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	require.Equal(t, color.RGBA{10, 20, 30, 255}, img.RGBAAt(1, 1))
	require.Equal(t, color.RGBA{0, 0, 0, 255}, img.RGBAAt(0, 0))
}
