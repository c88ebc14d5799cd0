package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cyclopcam/yolo/pkg/nn"
)

// Box is a labelled object, with its center and size normalized to [0, 1]
type Box struct {
	Class int
	X     float32 // Center X
	Y     float32 // Center Y
	W     float32
	H     float32
}

// Rect returns the box in pixel coordinates
func (b Box) Rect(imgWidth, imgHeight int) nn.Rect {
	return nn.RectFromCenter(b.X, b.Y, b.W, b.H, imgWidth, imgHeight)
}

// Detection returns the box as a ground truth detection (confidence 1)
func (b Box) Detection(imgWidth, imgHeight int) nn.ObjectDetection {
	return nn.ObjectDetection{
		Class:      b.Class,
		Confidence: 1,
		Box:        b.Rect(imgWidth, imgHeight),
	}
}

// ParseLabels reads YOLO text labels, one "class cx cy w h" box per line
func ParseLabels(r io.Reader) ([]Box, error) {
	boxes := []Box{}
	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 5 {
			return nil, fmt.Errorf("Line %v: expected 'class x y w h', but got %v fields", lineNo, len(fields))
		}
		var v [5]float32
		for i, f := range fields {
			x, err := strconv.ParseFloat(f, 32)
			if err != nil {
				return nil, fmt.Errorf("Line %v: %w", lineNo, err)
			}
			v[i] = float32(x)
		}
		box := Box{Class: int(v[0]), X: v[1], Y: v[2], W: v[3], H: v[4]}
		if v[0] < 0 || float32(box.Class) != v[0] {
			return nil, fmt.Errorf("Line %v: invalid class %v", lineNo, fields[0])
		}
		if box.X < 0 || box.X > 1 || box.Y < 0 || box.Y > 1 || box.W <= 0 || box.W > 1 || box.H <= 0 || box.H > 1 {
			return nil, fmt.Errorf("Line %v: box %v %v %v %v is not normalized", lineNo, box.X, box.Y, box.W, box.H)
		}
		boxes = append(boxes, box)
	}
	return boxes, scanner.Err()
}

func ParseLabelFile(filename string) ([]Box, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	boxes, err := ParseLabels(f)
	if err != nil {
		return nil, fmt.Errorf("Error reading %v: %w", filename, err)
	}
	return boxes, nil
}

// BoxLabel is a COCO style pixel box
type BoxLabel struct {
	BBox         [4]float32 `json:"bbox"` // x, y, width, height
	CategoryName string     `json:"category_name"`
	CategoryID   int        `json:"category_id"`
}

// MaxCategoryID is the largest category ID accepted from COCO style labels
const MaxCategoryID = 9999

func (b BoxLabel) validCategory() bool {
	return b.CategoryID >= 0 && b.CategoryID <= MaxCategoryID
}

// ImageBoxLabels are the COCO style labels of a single image
type ImageBoxLabels struct {
	FileName string     `json:"file_name"`
	Labels   []BoxLabel `json:"labels"`
}

// ImageLabels converts to our own label type. Width and height are only recorded.
// Boxes with a category ID outside [0, MaxCategoryID] are dropped.
func (l *ImageBoxLabels) ImageLabels(width, height int) nn.ImageLabels {
	out := nn.ImageLabels{
		Filename: l.FileName,
		Width:    width,
		Height:   height,
		Objects:  make([]nn.ObjectDetection, 0, len(l.Labels)),
	}
	for _, b := range l.Labels {
		if !b.validCategory() {
			continue
		}
		out.Objects = append(out.Objects, nn.ObjectDetection{
			Class:      b.CategoryID,
			Confidence: 1,
			Box: nn.Rect{
				X:      int(b.BBox[0]),
				Y:      int(b.BBox[1]),
				Width:  int(b.BBox[2]),
				Height: int(b.BBox[3]),
			},
		})
	}
	return out
}

// NumInvalid returns the number of labels that ImageLabels drops
func (l *ImageBoxLabels) NumInvalid() int {
	n := 0
	for _, b := range l.Labels {
		if !b.validCategory() {
			n++
		}
	}
	return n
}

// CategoryNames returns the category names of the labels, indexed by category ID.
// IDs that don't appear have an empty name.
func (l *ImageBoxLabels) CategoryNames() []string {
	var names []string
	for _, b := range l.Labels {
		if !b.validCategory() {
			continue
		}
		if b.CategoryID >= len(names) {
			names = append(names, make([]string, b.CategoryID+1-len(names))...)
		}
		names[b.CategoryID] = b.CategoryName
	}
	return names
}

// LoadBoxLabels reads a JSON list of ImageBoxLabels
func LoadBoxLabels(filename string) ([]ImageBoxLabels, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	labels := []ImageBoxLabels{}
	if err := json.Unmarshal(raw, &labels); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	return labels, nil
}
