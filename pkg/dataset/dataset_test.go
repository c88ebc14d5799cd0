package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/cyclopcam/yolo/pkg/nn"
	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/require"
)

func TestReadCSV(t *testing.T) {
	entries, err := ReadCSV(strings.NewReader("img,text\n000001.jpg,000001.txt\n 000002.jpg, 000002.txt\n"))
	require.NoError(t, err)
	require.Equal(t, []Entry{{"000001.jpg", "000001.txt"}, {"000002.jpg", "000002.txt"}}, entries)

	// No header
	entries, err = ReadCSV(strings.NewReader("a.jpg,a.txt\n"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = ReadCSV(strings.NewReader("a.jpg\n"))
	require.Error(t, err)
}

func TestParseLabels(t *testing.T) {
	boxes, err := ParseLabels(strings.NewReader("11 0.344 0.611 0.416 0.262\n\n14 0.509 0.51 0.084 0.108\n"))
	require.NoError(t, err)
	require.Equal(t, []Box{
		{Class: 11, X: 0.344, Y: 0.611, W: 0.416, H: 0.262},
		{Class: 14, X: 0.509, Y: 0.51, W: 0.084, H: 0.108},
	}, boxes)

	require.Equal(t, nn.Rect{X: 30, Y: 40, Width: 40, Height: 20}, Box{X: 0.5, Y: 0.5, W: 0.4, H: 0.2}.Rect(100, 100))

	for _, bad := range []string{"1 0.5 0.5 0.1", "x 0.5 0.5 0.1 0.1", "1.5 0.5 0.5 0.1 0.1", "1 1.5 0.5 0.1 0.1", "1 0.5 0.5 0 0.1"} {
		_, err := ParseLabels(strings.NewReader(bad))
		require.Error(t, err, bad)
	}
}

func TestLoadBoxLabels(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "labels.json")
	raw := `[{"file_name": "000000391895.jpg", "labels": [{"bbox": [359.17, 146.17, 112.45, 213.57], "category_name": "person", "category_id": 1}]}]`
	require.NoError(t, os.WriteFile(fn, []byte(raw), 0644))
	labels, err := LoadBoxLabels(fn)
	require.NoError(t, err)
	require.Len(t, labels, 1)
	require.Equal(t, "person", labels[0].Labels[0].CategoryName)

	il := labels[0].ImageLabels(640, 480)
	require.Equal(t, "000000391895.jpg", il.Filename)
	require.Equal(t, nn.Rect{X: 359, Y: 146, Width: 112, Height: 213}, il.Objects[0].Box)
	require.Equal(t, 1, il.Objects[0].Class)
	require.Equal(t, []string{"", "person"}, labels[0].CategoryNames())
}

func TestBoxLabelCategoryRange(t *testing.T) {
	labels := ImageBoxLabels{
		FileName: "a.jpg",
		Labels: []BoxLabel{
			{BBox: [4]float32{1, 2, 3, 4}, CategoryName: "cat", CategoryID: 2},
			{BBox: [4]float32{1, 2, 3, 4}, CategoryName: "bad", CategoryID: -1},
			{BBox: [4]float32{1, 2, 3, 4}, CategoryName: "huge", CategoryID: 1 << 40},
			{BBox: [4]float32{5, 6, 7, 8}, CategoryName: "dog", CategoryID: 0},
		},
	}
	require.Equal(t, 2, labels.NumInvalid())
	require.Equal(t, []string{"dog", "", "cat"}, labels.CategoryNames())
	il := labels.ImageLabels(100, 100)
	require.Len(t, il.Objects, 2)
	require.Equal(t, 2, il.Objects[0].Class)
	require.Equal(t, 0, il.Objects[1].Class)
}

// Return the target cell at (anchor, row, col)
func targetCell(t *tensor.Dense, a, row, col int) []float32 {
	g := t.Shape()[1]
	off := ((a*g+row)*g + col) * TargetAttrs
	return layers.Data(t)[off : off+TargetAttrs]
}

func TestBuildTargets(t *testing.T) {
	grids := []int{13, 26, 52}
	// Exactly the size of the first coarse anchor
	box := Box{Class: 3, X: 0.5, Y: 0.5, W: 0.28, H: 0.22}
	targets, err := BuildTargets([]Box{box}, nn.DefaultAnchors(), grids, DefaultIgnoreIoU)
	require.NoError(t, err)
	require.Len(t, targets, 3)
	for i, g := range grids {
		require.Equal(t, tensor.Shape{3, g, g, TargetAttrs}, targets[i].Shape())
	}

	c := targetCell(targets[0], 0, 6, 6)
	require.Equal(t, float32(1), c[TargetObjectness])
	require.InDelta(t, 0.5, c[TargetX], 1e-5)
	require.InDelta(t, 0.5, c[TargetY], 1e-5)
	require.InDelta(t, 0.28*13, c[TargetW], 1e-5)
	require.InDelta(t, 0.22*13, c[TargetH], 1e-5)
	require.Equal(t, float32(3), c[TargetClass])

	// One positive anchor per scale
	for i := range grids {
		positives := 0
		data := layers.Data(targets[i])
		for off := 0; off < len(data); off += TargetAttrs {
			if data[off+TargetObjectness] == 1 {
				positives++
			}
		}
		require.Equal(t, 1, positives, "scale %v", i)
	}
	// The middle scale's best match is its tallest anchor
	require.Equal(t, float32(1), targetCell(targets[1], 2, 13, 13)[TargetObjectness])
}

func TestBuildTargetsIgnore(t *testing.T) {
	// Overlaps the second coarse anchor best, but the first one well enough to be ignored
	box := Box{Class: 0, X: 0.1, Y: 0.9, W: 0.33, H: 0.35}
	targets, err := BuildTargets([]Box{box}, nn.DefaultAnchors(), []int{13, 26, 52}, DefaultIgnoreIoU)
	require.NoError(t, err)
	require.Equal(t, float32(-1), targetCell(targets[0], 0, 11, 1)[TargetObjectness])
	require.Equal(t, float32(1), targetCell(targets[0], 1, 11, 1)[TargetObjectness])
	require.Equal(t, float32(0), targetCell(targets[0], 2, 11, 1)[TargetObjectness])

	// Boxes on the far edge stay inside the grid
	targets, err = BuildTargets([]Box{{X: 1, Y: 1, W: 0.02, H: 0.03}}, nn.DefaultAnchors(), []int{13, 26, 52}, DefaultIgnoreIoU)
	require.NoError(t, err)
	require.Equal(t, float32(1), targetCell(targets[2], 0, 51, 51)[TargetObjectness])

	_, err = BuildTargets(nil, nn.DefaultAnchors(), []int{13}, DefaultIgnoreIoU)
	require.Error(t, err)
}

// Synthetic samples, whose image values are the sample index
type fakeSource struct {
	n    int
	fail int
}

func (f *fakeSource) Len() int { return f.n }

func (f *fakeSource) Get(i int) (*Sample, error) {
	if i == f.fail {
		return nil, errors.New("broken sample")
	}
	targets, _ := BuildTargets([]Box{{Class: i, X: 0.5, Y: 0.5, W: 0.1, H: 0.1}}, nn.DefaultAnchors(), []int{1, 2, 4}, DefaultIgnoreIoU)
	return &Sample{
		Image:   layers.Fill(float32(i), 3, 4, 4),
		Boxes:   []Box{{Class: i}},
		Targets: targets,
	}, nil
}

func TestLoader(t *testing.T) {
	src := &fakeSource{n: 10, fail: -1}
	loader := &Loader{Log: logs.NewTestingLog(t), Source: src, BatchSize: 4, Workers: 3}
	require.Equal(t, 3, loader.NumBatches())

	var sizes []int
	var seen []int
	err := loader.Each(context.Background(), func(b *Batch) error {
		require.Equal(t, len(sizes), b.Index)
		n := b.Images.Shape()[0]
		sizes = append(sizes, n)
		require.Equal(t, tensor.Shape{n, 3, 4, 4}, b.Images.Shape())
		require.Equal(t, tensor.Shape{n, 3, 4, 4, TargetAttrs}, b.Targets[2].Shape())
		for i, idx := range b.Indices {
			require.Equal(t, float32(idx), layers.Data(b.Images)[i*48])
			require.Equal(t, idx, b.Boxes[i][0].Class)
			seen = append(seen, idx)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{4, 4, 2}, sizes)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)

	loader.DropLast = true
	require.Equal(t, 2, loader.NumBatches())
}

func TestLoaderShuffle(t *testing.T) {
	visit := func(seed uint64) []int {
		loader := &Loader{Log: logs.NewTestingLog(t), Source: &fakeSource{n: 9, fail: -1}, BatchSize: 3, Shuffle: true, Seed: seed}
		var order []int
		require.NoError(t, loader.Each(context.Background(), func(b *Batch) error {
			order = append(order, b.Indices...)
			return nil
		}))
		return order
	}
	a := visit(1)
	require.Equal(t, a, visit(1))
	require.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8}, a)
}

func TestLoaderErrors(t *testing.T) {
	src := &fakeSource{n: 8, fail: 5}
	loader := &Loader{Log: logs.NewTestingLog(t), Source: src, BatchSize: 4, Workers: 2}
	batches := 0
	err := loader.Each(context.Background(), func(b *Batch) error {
		batches++
		return nil
	})
	require.ErrorContains(t, err, "broken sample")
	require.Equal(t, 1, batches)

	stop := errors.New("stop")
	err = (&Loader{Log: logs.NewTestingLog(t), Source: &fakeSource{n: 8, fail: -1}, BatchSize: 2}).Each(context.Background(), func(b *Batch) error {
		return stop
	})
	require.ErrorIs(t, err, stop)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = (&Loader{Log: logs.NewTestingLog(t), Source: &fakeSource{n: 8, fail: -1}, BatchSize: 2}).Each(ctx, func(b *Batch) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

// Write a small on-disk dataset of uniform gray JPEGs
func writeDataset(t *testing.T, n int) (dir string) {
	dir = t.TempDir()
	csv := "image,text\n"
	for i := 0; i < n; i++ {
		img := cimg.NewImage(64, 48, cimg.PixelFormatRGB)
		for j := range img.Pixels {
			img.Pixels[j] = 128
		}
		name := fmt.Sprintf("%06d", i)
		require.NoError(t, img.WriteJPEG(filepath.Join(dir, name+".jpg"), cimg.MakeCompressParams(cimg.Sampling444, 99, 0), 0644))
		label := fmt.Sprintf("%v 0.5 0.5 0.28 0.22\n", i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".txt"), []byte(label), 0644))
		csv += name + ".jpg," + name + ".txt\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.csv"), []byte(csv), 0644))
	return dir
}

func TestDataset(t *testing.T) {
	dir := writeDataset(t, 3)
	ds, err := NewDataset(filepath.Join(dir, "index.csv"), dir, dir, 32, 32)
	require.NoError(t, err)
	require.Equal(t, 3, ds.Len())
	require.Equal(t, []int{1, 2, 4}, ds.GridSizes)

	s, err := ds.Get(2)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{3, 32, 32}, s.Image.Shape())
	for _, v := range layers.Data(s.Image) {
		require.InDelta(t, 128.0/255, v, 0.02)
	}
	require.Equal(t, 2, s.Boxes[0].Class)
	require.Equal(t, float32(1), targetCell(s.Targets[0], 0, 0, 0)[TargetObjectness])

	loader := &Loader{Log: logs.NewTestingLog(t), Source: ds, BatchSize: 2, DropLast: true, Workers: 2}
	n := 0
	require.NoError(t, loader.Each(context.Background(), func(b *Batch) error {
		n++
		require.Equal(t, tensor.Shape{2, 3, 32, 32}, b.Images.Shape())
		return nil
	}))
	require.Equal(t, 1, n)

	_, err = NewDataset(filepath.Join(dir, "index.csv"), dir, dir, 30, 32)
	require.Error(t, err)
	_, err = NewDataset(filepath.Join(dir, "missing.csv"), dir, dir, 32, 32)
	require.Error(t, err)
}

func TestPlotBoxSizes(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "sizes.png")
	boxes := []Box{{W: 0.1, H: 0.2}, {W: 0.5, H: 0.4}, {W: 0.9, H: 0.8}}
	require.NoError(t, PlotBoxSizes(boxes, nn.DefaultAnchors(), fn))
	st, err := os.Stat(fn)
	require.NoError(t, err)
	require.Greater(t, st.Size(), int64(1000))
}
