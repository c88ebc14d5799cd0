package yolov3

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/yolo/pkg/gen"
	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/cyclopcam/yolo/pkg/nn"
	"github.com/pdevine/tensor"
)

// Layout of the last axis of a prediction tensor
const (
	AttrObjectness = 0
	AttrX          = 1
	AttrY          = 2
	AttrW          = 3
	AttrH          = 4
	AttrClass0     = 5
)

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Decode turns raw network predictions into object detections, one list per image in the batch.
// anchors must have one entry per prediction tensor, in the same (coarsest first) order.
// Boxes are scaled to imgWidth x imgHeight, and overlapping objects of the same class are
// removed by non-max suppression. params may be nil.
func Decode(preds []*tensor.Dense, anchors nn.Anchors, params *nn.DetectionParams, imgWidth, imgHeight int) ([][]nn.ObjectDetection, error) {
	if len(preds) == 0 {
		return nil, fmt.Errorf("No predictions to decode")
	}
	if len(preds) != len(anchors) {
		return nil, fmt.Errorf("Got %v prediction scales, but %v anchor scales", len(preds), len(anchors))
	}
	p := nn.DetectionParams{}
	if params != nil {
		p = *params
	}
	p = p.WithDefaults()
	var batch [][]nn.ObjectDetection
	for scale, pred := range preds {
		s := pred.Shape()
		if len(s) != 5 {
			return nil, fmt.Errorf("%w: prediction %v has shape %v", layers.ErrShapeMismatch, scale, s)
		}
		n, nAnchors, gridH, gridW, attrs := s[0], s[1], s[2], s[3], s[4]
		if nAnchors != len(anchors[scale]) {
			return nil, fmt.Errorf("Prediction %v has %v anchors, but %v are configured", scale, nAnchors, len(anchors[scale]))
		}
		if attrs <= AttrClass0 {
			return nil, fmt.Errorf("%w: prediction %v has no class scores", layers.ErrShapeMismatch, scale)
		}
		if batch == nil {
			batch = make([][]nn.ObjectDetection, n)
		}
		data := layers.Data(pred)
		for b := 0; b < n; b++ {
			for a := 0; a < nAnchors; a++ {
				anchor := anchors[scale][a]
				for y := 0; y < gridH; y++ {
					for x := 0; x < gridW; x++ {
						off := (((b*nAnchors+a)*gridH+y)*gridW + x) * attrs
						cell := data[off : off+attrs]
						objectness := sigmoid(cell[AttrObjectness])
						if objectness < p.ProbabilityThreshold {
							continue
						}
						cx := (sigmoid(cell[AttrX]) + float32(x)) / float32(gridW)
						cy := (sigmoid(cell[AttrY]) + float32(y)) / float32(gridH)
						w := math32.Exp(cell[AttrW]) * anchor[0]
						h := math32.Exp(cell[AttrH]) * anchor[1]
						box := nn.RectFromCenter(cx, cy, w, h, imgWidth, imgHeight)
						if !p.Unclipped {
							box = box.Intersection(nn.Rect{Width: imgWidth, Height: imgHeight})
						}
						batch[b] = append(batch[b], nn.ObjectDetection{
							Class:      gen.Argmax(cell[AttrClass0:]),
							Confidence: objectness,
							Box:        box,
						})
					}
				}
			}
		}
	}
	for i := range batch {
		batch[i] = nn.NonMaxSuppression(batch[i], p.NmsIouThreshold)
	}
	return batch, nil
}
