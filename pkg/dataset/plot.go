package dataset

import (
	"image/color"

	"github.com/cyclopcam/yolo/pkg/nn"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// PlotBoxSizes draws a scatter plot of the normalized sizes of all boxes, with the anchors
// on top, so that you can see how well the anchors cover the data.
// The output format follows the extension of filename (eg .png, .svg).
func PlotBoxSizes(boxes []Box, anchors nn.Anchors, filename string) error {
	p := plot.New()
	p.Title.Text = "Box sizes"
	p.X.Label.Text = "Width"
	p.Y.Label.Text = "Height"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1

	pts := make(plotter.XYs, len(boxes))
	for i, b := range boxes {
		pts[i] = plotter.XY{X: float64(b.W), Y: float64(b.H)}
	}
	labels, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	labels.GlyphStyle.Radius = vg.Points(1)
	labels.GlyphStyle.Color = color.RGBA{R: 40, G: 90, B: 200, A: 255}
	p.Add(labels)
	p.Legend.Add("labels", labels)

	flat := anchors.Flatten()
	apts := make(plotter.XYs, len(flat))
	for i, a := range flat {
		apts[i] = plotter.XY{X: float64(a[0]), Y: float64(a[1])}
	}
	anchorPoints, err := plotter.NewScatter(apts)
	if err != nil {
		return err
	}
	anchorPoints.GlyphStyle.Shape = draw.CrossGlyph{}
	anchorPoints.GlyphStyle.Radius = vg.Points(5)
	anchorPoints.GlyphStyle.Color = color.RGBA{R: 220, A: 255}
	p.Add(anchorPoints)
	p.Legend.Add("anchors", anchorPoints)

	return p.Save(6*vg.Inch, 6*vg.Inch, filename)
}
