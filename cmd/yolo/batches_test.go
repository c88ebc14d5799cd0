package main

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolo/pkg/dataset"
	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/cyclopcam/yolo/pkg/nn"
	"github.com/cyclopcam/yolo/pkg/yolov3"
	"github.com/stretchr/testify/require"
)

// A small three scale network for 64x64 inputs. With zero weights every prediction
// has an objectness of 0.5.
func smallNetwork(t *testing.T) *yolov3.Network {
	cfg := yolov3.Config{
		Stages: []yolov3.LayerSpec{
			yolov3.Conv(4, 3, 1),
			yolov3.Conv(8, 3, 2),
			yolov3.Conv(16, 3, 2),
			yolov3.Conv(32, 3, 2),
			yolov3.Residual(2),
			yolov3.Conv(64, 3, 2),
			yolov3.Residual(2),
			yolov3.Conv(128, 3, 2),
			yolov3.Conv(64, 1, 1),
			yolov3.Conv(128, 3, 1),
			yolov3.ScalePrediction(),
			yolov3.Conv(32, 1, 1),
			yolov3.Upsample(),
			yolov3.Conv(32, 1, 1),
			yolov3.Conv(64, 3, 1),
			yolov3.ScalePrediction(),
			yolov3.Conv(16, 1, 1),
			yolov3.Upsample(),
			yolov3.Conv(16, 1, 1),
			yolov3.Conv(32, 3, 1),
			yolov3.ScalePrediction(),
		},
		RouteRepeats:    2,
		AnchorsPerScale: 3,
	}
	net, err := yolov3.New(cfg, 3, 4)
	require.NoError(t, err)
	return net
}

func blackBatch() *dataset.Batch {
	return &dataset.Batch{
		Indices: []int{0, 1},
		Images:  layers.Zeros(2, 3, 64, 64),
		Boxes: [][]dataset.Box{
			{{Class: 1, X: 0.5, Y: 0.5, W: 0.5, H: 0.5}},
			nil,
		},
	}
}

func isBlack(img image.Image, x, y int) bool {
	r, g, b, _ := img.At(x, y).RGBA()
	return r == 0 && g == 0 && b == 0
}

func anyDrawn(img image.Image) bool {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if !isBlack(img, x, y) {
				return true
			}
		}
	}
	return false
}

func TestDrawBatchLabelsOnly(t *testing.T) {
	images, predictions, err := drawBatch(blackBatch(), 64, 64, nn.VOCClasses, nil)
	require.NoError(t, err)
	require.Nil(t, predictions)
	require.Len(t, images, 2)
	// Left edge of the ground truth box at (16,16,32,32), below its label
	require.False(t, isBlack(images[0], 16, 40))
	require.False(t, anyDrawn(images[1]))
}

func TestDrawBatchPredictions(t *testing.T) {
	pred := &predictor{
		net:     smallNetwork(t),
		anchors: nn.DefaultAnchors(),
		params:  &nn.DetectionParams{ProbabilityThreshold: 0.4},
	}
	images, predictions, err := drawBatch(blackBatch(), 64, 64, nn.VOCClasses, pred)
	require.NoError(t, err)
	require.Len(t, predictions, 2)
	for _, p := range predictions {
		require.NotEmpty(t, p)
		for _, obj := range p {
			require.InDelta(t, 0.5, obj.Confidence, 1e-6)
		}
	}
	// The image without labels now shows predictions
	require.True(t, anyDrawn(images[1]))

	pred.params = &nn.DetectionParams{ProbabilityThreshold: 0.6}
	images, predictions, err = drawBatch(blackBatch(), 64, 64, nn.VOCClasses, pred)
	require.NoError(t, err)
	require.Len(t, predictions, 2)
	require.Empty(t, predictions[0])
	require.Empty(t, predictions[1])
	require.False(t, anyDrawn(images[1]))
}

type blackSource struct {
	n int
}

func (s *blackSource) Len() int { return s.n }

func (s *blackSource) Get(i int) (*dataset.Sample, error) {
	return &dataset.Sample{
		Image: layers.Zeros(3, 64, 64),
		Boxes: []dataset.Box{{Class: i % 4, X: 0.5, Y: 0.5, W: 0.25, H: 0.25}},
	}, nil
}

func TestSaveBatches(t *testing.T) {
	dir := t.TempDir()
	loader := &dataset.Loader{Log: logs.NewTestingLog(t), Source: &blackSource{n: 6}, BatchSize: 2}
	pred := &predictor{net: smallNetwork(t), anchors: nn.DefaultAnchors(), params: nn.NewDetectionParams()}
	require.NoError(t, saveBatches(loader, 64, 64, nn.VOCClasses, pred, dir, 2, 2))

	files, err := filepath.Glob(filepath.Join(dir, "*.png"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{filepath.Join(dir, "batch_0.png"), filepath.Join(dir, "batch_1.png")}, files)
	st, err := os.Stat(files[0])
	require.NoError(t, err)
	require.Greater(t, st.Size(), int64(0))
}
