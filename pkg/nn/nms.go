package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// NonMaxSuppression removes every object that overlaps a more confident object of the
// same class by at least minIoU. The survivors are returned in order of decreasing confidence.
func NonMaxSuppression(input []ObjectDetection, minIoU float32) []ObjectDetection {
	if len(input) == 0 {
		return nil
	}

	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return input[order[i]].Confidence > input[order[j]].Confidence
	})
	rank := make([]int, len(input))
	for r, i := range order {
		rank[i] = r
	}

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, b := range input {
		fb.Add(int32(b.Box.X), int32(b.Box.Y), int32(b.Box.X2()), int32(b.Box.Y2()))
	}
	fb.Finish()

	suppressed := make([]bool, len(input))
	keep := make([]ObjectDetection, 0, len(input))
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		in := input[i]
		keep = append(keep, in)
		for _, j := range fb.Search(int32(in.Box.X), int32(in.Box.Y), int32(in.Box.X2()), int32(in.Box.Y2())) {
			if j == i || suppressed[j] || rank[j] < rank[i] {
				continue
			}
			if input[j].Class != in.Class {
				continue
			}
			if in.Box.IOU(input[j].Box) >= minIoU {
				suppressed[j] = true
			}
		}
	}
	return keep
}
