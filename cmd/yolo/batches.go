package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"

	"github.com/cyclopcam/yolo/pkg/dataset"
	"github.com/cyclopcam/yolo/pkg/nn"
	"github.com/cyclopcam/yolo/pkg/visual"
	"github.com/cyclopcam/yolo/pkg/yolov3"
)

// predictor runs a network over whole batches, for drawing its predictions
type predictor struct {
	net     *yolov3.Network
	anchors nn.Anchors
	params  *nn.DetectionParams
}

func (p *predictor) predict(b *dataset.Batch, width, height int) ([][]nn.ObjectDetection, error) {
	preds, err := p.net.Forward(b.Images)
	if err != nil {
		return nil, err
	}
	return yolov3.Decode(preds, p.anchors, p.params, width, height)
}

// drawBatch draws the ground truth boxes onto every image of the batch.
// If pred is not nil, the predicted boxes are drawn on the same images, labelled with their confidence.
// The predictions are returned along with the images.
func drawBatch(b *dataset.Batch, width, height int, classes []string, pred *predictor) ([]image.Image, [][]nn.ObjectDetection, error) {
	images, err := visual.BatchImages(b.Images)
	if err != nil {
		return nil, nil, err
	}
	var predictions [][]nn.ObjectDetection
	if pred != nil {
		if predictions, err = pred.predict(b, width, height); err != nil {
			return nil, nil, err
		}
	}
	for i := range images {
		if predictions != nil {
			images[i] = visual.DrawBoxes(images[i], predictions[i], classes)
		}
		var truth []nn.ObjectDetection
		for _, box := range b.Boxes[i] {
			truth = append(truth, box.Detection(width, height))
		}
		images[i] = visual.DrawBoxes(images[i], truth, classes)
	}
	return images, predictions, nil
}

// saveBatches writes a grid image of every batch into outputDir, stopping after limit batches (0 = all).
// width and height are the size of the images in the batches.
func saveBatches(loader *dataset.Loader, width, height int, classes []string, pred *predictor, outputDir string, nrow, limit int) error {
	errStop := errors.New("Batch limit reached")
	err := loader.Each(context.Background(), func(b *dataset.Batch) error {
		if limit > 0 && b.Index >= limit {
			return errStop
		}
		images, _, err := drawBatch(b, width, height, classes, pred)
		if err != nil {
			return err
		}
		grid, err := visual.Grid(images, nrow)
		if err != nil {
			return err
		}
		return visual.SavePNG(filepath.Join(outputDir, fmt.Sprintf("batch_%v.png", b.Index)), grid)
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}
