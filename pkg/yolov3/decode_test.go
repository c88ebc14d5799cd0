package yolov3

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/cyclopcam/yolo/pkg/nn"
	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/require"
)

const testClasses = 3

// Empty predictions (very low objectness everywhere) for a 2 image batch, at grid sizes 1, 2, 4
func emptyPredictions() []*tensor.Dense {
	var preds []*tensor.Dense
	for _, g := range []int{1, 2, 4} {
		p := layers.Zeros(2, 3, g, g, testClasses+5)
		data := layers.Data(p)
		for i := 0; i < len(data); i += testClasses + 5 {
			data[i+AttrObjectness] = -10
		}
		preds = append(preds, p)
	}
	return preds
}

// Return the attribute slice of a single prediction cell
func cell(p *tensor.Dense, b, a, y, x int) []float32 {
	s := p.Shape()
	attrs := s[4]
	off := (((b*s[1]+a)*s[2]+y)*s[3] + x) * attrs
	return layers.Data(p)[off : off+attrs]
}

func TestDecode(t *testing.T) {
	preds := emptyPredictions()

	// Coarsest scale, single cell, first anchor (0.28 x 0.22), centered
	c := cell(preds[0], 0, 0, 0, 0)
	c[AttrObjectness] = 10
	c[AttrClass0+1] = 5

	// Finest scale, top right cell, first anchor (0.02 x 0.03)
	c = cell(preds[2], 0, 0, 0, 3)
	c[AttrObjectness] = 3
	c[AttrClass0+2] = 1

	objects, err := Decode(preds, nn.DefaultAnchors(), nil, 200, 200)
	require.NoError(t, err)
	require.Len(t, objects, 2)
	require.Len(t, objects[0], 2)
	require.Empty(t, objects[1])

	big := objects[0][0]
	require.Equal(t, 1, big.Class)
	require.InDelta(t, 1/(1+math32.Exp(-10)), big.Confidence, 1e-6)
	require.Equal(t, nn.Rect{X: 72, Y: 78, Width: 56, Height: 44}, big.Box)

	small := objects[0][1]
	require.Equal(t, 2, small.Class)
	require.Equal(t, nn.Rect{X: 173, Y: 22, Width: 4, Height: 6}, small.Box)

	// A higher threshold drops the less confident object
	objects, err = Decode(preds, nn.DefaultAnchors(), &nn.DetectionParams{ProbabilityThreshold: 0.99}, 200, 200)
	require.NoError(t, err)
	require.Len(t, objects[0], 1)
	require.Equal(t, 1, objects[0][0].Class)
}

func TestDecodeClipping(t *testing.T) {
	preds := emptyPredictions()
	// Largest anchor (0.9 wide), doubled, so the box spills over both sides
	c := cell(preds[0], 1, 2, 0, 0)
	c[AttrObjectness] = 5
	c[AttrW] = math32.Log(2)

	objects, err := Decode(preds, nn.DefaultAnchors(), nil, 200, 200)
	require.NoError(t, err)
	require.Empty(t, objects[0])
	require.Len(t, objects[1], 1)
	box := objects[1][0].Box
	require.Equal(t, 0, box.X)
	require.Equal(t, 200, box.Width)

	objects, err = Decode(preds, nn.DefaultAnchors(), &nn.DetectionParams{Unclipped: true}, 200, 200)
	require.NoError(t, err)
	box = objects[1][0].Box
	require.InDelta(t, -80, box.X, 1)
	require.InDelta(t, 360, box.Width, 1)
}

func TestDecodeSuppressesOverlaps(t *testing.T) {
	preds := emptyPredictions()
	// Two anchors in the same cell, with similar boxes and the same class
	for a, obj := range []float32{4, 2} {
		c := cell(preds[1], 0, a, 1, 1)
		c[AttrObjectness] = obj
		c[AttrClass0] = 1
	}
	anchors := nn.DefaultAnchors()
	anchors[1][1] = anchors[1][0]
	objects, err := Decode(preds, anchors, nil, 100, 100)
	require.NoError(t, err)
	require.Len(t, objects[0], 1)
	require.InDelta(t, 1/(1+math32.Exp(-4)), objects[0][0].Confidence, 1e-6)
}

func TestDecodeErrors(t *testing.T) {
	preds := emptyPredictions()
	_, err := Decode(nil, nn.DefaultAnchors(), nil, 100, 100)
	require.Error(t, err)
	_, err = Decode(preds[:2], nn.DefaultAnchors(), nil, 100, 100)
	require.Error(t, err)

	anchors := nn.DefaultAnchors()
	anchors[0] = anchors[0][:2]
	_, err = Decode(preds, anchors, nil, 100, 100)
	require.Error(t, err)

	preds[1] = layers.Zeros(2, 3, 2, 2)
	_, err = Decode(preds, nn.DefaultAnchors(), nil, 100, 100)
	require.ErrorIs(t, err, layers.ErrShapeMismatch)
}

func testImage(width, height int) nn.ImageCrop {
	pixels := make([]byte, width*height*3)
	for i := range pixels {
		pixels[i] = byte(i * 7)
	}
	return nn.WholeImage(3, pixels, width, height)
}

func TestDetector(t *testing.T) {
	net, err := New(tinyConfig(), 3, testClasses)
	require.NoError(t, err)
	config := &nn.ModelConfig{
		Architecture: "yolov3",
		Width:        64,
		Height:       64,
		Classes:      []string{"a", "b", "c"},
	}
	det, err := NewDetector(net, config)
	require.NoError(t, err)
	defer det.Close()
	require.Equal(t, nn.DefaultAnchors(), det.Config().Anchors)
	require.Empty(t, config.Anchors)

	// An uninitialized network predicts zero everywhere, which is an objectness of exactly 0.5
	img := testImage(40, 30)
	objects, err := det.DetectObjects(img, &nn.DetectionParams{ProbabilityThreshold: 0.6})
	require.NoError(t, err)
	require.Empty(t, objects)

	objects, err = det.DetectObjects(img, &nn.DetectionParams{ProbabilityThreshold: 0.4})
	require.NoError(t, err)
	require.NotEmpty(t, objects)
	for _, o := range objects {
		require.Equal(t, 0, o.Class)
		require.GreaterOrEqual(t, o.Box.X, 0)
		require.GreaterOrEqual(t, o.Box.Y, 0)
		require.LessOrEqual(t, o.Box.X2(), 40)
		require.LessOrEqual(t, o.Box.Y2(), 30)
	}

	// The detector also works on a sub-crop, through tiled inference
	net.Init(5)
	crop := testImage(80, 60).Crop(10, 10, 74, 58)
	_, err = det.DetectObjects(crop, nil)
	require.NoError(t, err)
	_, err = nn.TiledInference(det, testImage(64, 64), nil, 1)
	require.NoError(t, err)
	require.Equal(t, int64(4), det.InferenceTime().Samples)
}

func TestDetectorTiled(t *testing.T) {
	net, err := New(tinyConfig(), 3, testClasses)
	require.NoError(t, err)
	net.Init(3)
	det, err := NewDetector(net, &nn.ModelConfig{Width: 64, Height: 64, Classes: []string{"a", "b", "c"}})
	require.NoError(t, err)

	// Several tiles share the one network concurrently
	img := testImage(150, 64)
	objects, err := nn.TiledInference(det, img, &nn.DetectionParams{ProbabilityThreshold: 0.01}, 3)
	require.NoError(t, err)
	require.Greater(t, det.InferenceTime().Samples, int64(1))
	for _, o := range objects {
		require.GreaterOrEqual(t, o.Box.X, 0)
		require.GreaterOrEqual(t, o.Box.Y, 0)
		require.LessOrEqual(t, o.Box.X2(), 150)
		require.LessOrEqual(t, o.Box.Y2(), 64)
	}

	// The result doesn't depend on how many tiles run at once
	serial, err := nn.TiledInference(det, img, &nn.DetectionParams{ProbabilityThreshold: 0.01}, 1)
	require.NoError(t, err)
	require.ElementsMatch(t, objects, serial)
}

func TestDetectorValidation(t *testing.T) {
	net, err := New(tinyConfig(), 3, testClasses)
	require.NoError(t, err)
	_, err = NewDetector(net, &nn.ModelConfig{Width: 64, Height: 64, Classes: []string{"a"}})
	require.Error(t, err)
	_, err = NewDetector(net, &nn.ModelConfig{Width: 64, Height: 64, Classes: []string{"a", "b", "c"}, Anchors: nn.DefaultAnchors()[:2]})
	require.Error(t, err)

	gray, err := New(tinyConfig(), 1, testClasses)
	require.NoError(t, err)
	_, err = NewDetector(gray, &nn.ModelConfig{Width: 64, Height: 64, Classes: []string{"a", "b", "c"}})
	require.Error(t, err)
}
