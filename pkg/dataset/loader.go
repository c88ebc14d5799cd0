package dataset

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/cyclopcam/yolo/pkg/nn"
	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"
)

// Sample is a single training example
type Sample struct {
	Image   *tensor.Dense // [3, H, W]
	Boxes   []Box
	Targets []*tensor.Dense // One [anchors, S, S, 6] tensor per scale
}

// Source is anything that can produce numbered samples. Get must be safe to call concurrently.
type Source interface {
	Len() int
	Get(i int) (*Sample, error)
}

// Dataset is a CSV index of images and YOLO text labels on disk
type Dataset struct {
	Entries   []Entry
	ImageDir  string
	LabelDir  string
	Width     int
	Height    int
	Anchors   nn.Anchors
	GridSizes []int // S for each scale, coarsest first
	IgnoreIoU float32
}

// NewDataset loads the CSV index, and sets up the standard three YOLOv3 scales (strides 32, 16, 8).
// The grid is square, and follows the image width.
func NewDataset(csvFile, imageDir, labelDir string, width, height int) (*Dataset, error) {
	entries, err := LoadCSV(csvFile)
	if err != nil {
		return nil, err
	}
	if width%32 != 0 || height%32 != 0 {
		return nil, fmt.Errorf("Image size %vx%v must be a multiple of 32", width, height)
	}
	return &Dataset{
		Entries:   entries,
		ImageDir:  imageDir,
		LabelDir:  labelDir,
		Width:     width,
		Height:    height,
		Anchors:   nn.DefaultAnchors(),
		GridSizes: []int{width / 32, width / 16, width / 8},
		IgnoreIoU: DefaultIgnoreIoU,
	}, nil
}

func (d *Dataset) Len() int {
	return len(d.Entries)
}

func (d *Dataset) Get(i int) (*Sample, error) {
	e := d.Entries[i]
	img, err := LoadImage(filepath.Join(d.ImageDir, e.Image), d.Width, d.Height)
	if err != nil {
		return nil, err
	}
	boxes, err := ParseLabelFile(filepath.Join(d.LabelDir, e.Label))
	if err != nil {
		return nil, err
	}
	targets, err := BuildTargets(boxes, d.Anchors, d.GridSizes, d.IgnoreIoU)
	if err != nil {
		return nil, err
	}
	return &Sample{
		Image:   img,
		Boxes:   boxes,
		Targets: targets,
	}, nil
}

// Batch is a group of samples stacked along a new leading axis
type Batch struct {
	Index   int             // Sequential batch number, starting at 0
	Indices []int           // Source index of each sample
	Images  *tensor.Dense   // [N, 3, H, W]
	Targets []*tensor.Dense // One [N, anchors, S, S, 6] tensor per scale
	Boxes   [][]Box
}

// Loader splits a Source into batches
type Loader struct {
	Log       logs.Log
	Source    Source
	BatchSize int
	DropLast  bool // Skip the final batch if it is smaller than BatchSize
	Shuffle   bool // Visit samples in a random order, determined by Seed
	Seed      uint64
	Workers   int // Number of samples to load concurrently. Zero means 1.
}

func (l *Loader) NumBatches() int {
	n := l.Source.Len()
	if l.DropLast {
		return n / l.BatchSize
	}
	return (n + l.BatchSize - 1) / l.BatchSize
}

func (l *Loader) order() []int {
	if l.Shuffle {
		return rand.New(rand.NewPCG(l.Seed, l.Seed)).Perm(l.Source.Len())
	}
	order := make([]int, l.Source.Len())
	for i := range order {
		order[i] = i
	}
	return order
}

// Each loads every batch in turn, and calls fn on it.
// Iteration stops at the first error, either from loading or from fn.
func (l *Loader) Each(ctx context.Context, fn func(b *Batch) error) error {
	if l.BatchSize <= 0 {
		return fmt.Errorf("Invalid batch size %v", l.BatchSize)
	}
	start := time.Now()
	order := l.order()
	nBatches := l.NumBatches()
	for i := 0; i < nBatches; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		indices := order[i*l.BatchSize : min((i+1)*l.BatchSize, len(order))]
		batch, err := l.load(ctx, indices)
		if err != nil {
			return fmt.Errorf("Batch %v: %w", i, err)
		}
		batch.Index = i
		if err := fn(batch); err != nil {
			return err
		}
	}
	l.Log.Infof("Loaded %v batches of %v in %.1f seconds", nBatches, l.BatchSize, time.Since(start).Seconds())
	return nil
}

func (l *Loader) load(ctx context.Context, indices []int) (*Batch, error) {
	samples := make([]*Sample, len(indices))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(l.Workers, 1))
	for i, idx := range indices {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := l.Source.Get(idx)
			if err != nil {
				return fmt.Errorf("Sample %v: %w", idx, err)
			}
			samples[i] = s
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return stack(indices, samples)
}

// Join samples along a new batch axis
func stack(indices []int, samples []*Sample) (*Batch, error) {
	first := samples[0]
	b := &Batch{
		Indices: indices,
		Images:  layers.Zeros(append([]int{len(samples)}, first.Image.Shape()...)...),
		Boxes:   make([][]Box, len(samples)),
	}
	for _, t := range first.Targets {
		b.Targets = append(b.Targets, layers.Zeros(append([]int{len(samples)}, t.Shape()...)...))
	}
	imgSize := first.Image.Shape().TotalSize()
	for i, s := range samples {
		if !s.Image.Shape().Eq(first.Image.Shape()) || len(s.Targets) != len(first.Targets) {
			return nil, fmt.Errorf("%w: sample %v differs in shape from sample %v", layers.ErrShapeMismatch, indices[i], indices[0])
		}
		copy(layers.Data(b.Images)[i*imgSize:], layers.Data(s.Image))
		for j, t := range s.Targets {
			size := t.Shape().TotalSize()
			if size != first.Targets[j].Shape().TotalSize() {
				return nil, fmt.Errorf("%w: targets of sample %v differ from sample %v", layers.ErrShapeMismatch, indices[i], indices[0])
			}
			copy(layers.Data(b.Targets[j])[i*size:], layers.Data(t))
		}
		b.Boxes[i] = s.Boxes
	}
	return b, nil
}
