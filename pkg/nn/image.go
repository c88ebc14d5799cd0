package nn

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
)

// ToPlanar converts an 8-bit RGB image into planar (CHW) float32 values in [0, 1],
// written into dst, which must hold 3*Width*Height values.
func ToPlanar(img *cimg.Image, dst []float32) error {
	if img.NChan() != 3 {
		return fmt.Errorf("Expected an RGB image, but image has %v channels", img.NChan())
	}
	plane := img.Width * img.Height
	if len(dst) < 3*plane {
		return fmt.Errorf("Destination holds %v values, but image needs %v", len(dst), 3*plane)
	}
	for y := 0; y < img.Height; y++ {
		src := img.Pixels[y*img.Stride : y*img.Stride+img.Width*3]
		for x := 0; x < img.Width; x++ {
			i := y*img.Width + x
			dst[i] = float32(src[x*3]) / 255
			dst[plane+i] = float32(src[x*3+1]) / 255
			dst[2*plane+i] = float32(src[x*3+2]) / 255
		}
	}
	return nil
}

// CropToImage copies the crop into a new image, resized to width x height.
// If the crop is already the right size, no resampling is done.
func CropToImage(img ImageCrop, width, height int) (*cimg.Image, error) {
	if img.NChan != 3 {
		return nil, fmt.Errorf("Expected an RGB image, but image has %v channels", img.NChan)
	}
	whole := cimg.WrapImage(img.ImageWidth, img.ImageHeight, cimg.PixelFormatRGB, img.Pixels)
	crop := cimg.NewImage(img.CropWidth, img.CropHeight, cimg.PixelFormatRGB)
	crop.CopyImageRect(whole, img.CropX, img.CropY, img.CropX+img.CropWidth, img.CropY+img.CropHeight, 0, 0)
	if crop.Width == width && crop.Height == height {
		return crop, nil
	}
	return cimg.ResizeNew(crop, width, height, nil), nil
}
