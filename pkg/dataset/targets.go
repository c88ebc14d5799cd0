package dataset

import (
	"fmt"
	"sort"

	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/cyclopcam/yolo/pkg/nn"
	"github.com/pdevine/tensor"
)

// Layout of the last axis of a target tensor
const (
	TargetObjectness = 0 // 1 for an assigned anchor, -1 for an anchor that overlaps well enough to be ignored
	TargetX          = 1 // Center X, relative to the cell
	TargetY          = 2 // Center Y, relative to the cell
	TargetW          = 3 // Width, in cells
	TargetH          = 4 // Height, in cells
	TargetClass      = 5
	TargetAttrs      = 6
)

// DefaultIgnoreIoU is the anchor overlap above which an unassigned anchor is not penalized
const DefaultIgnoreIoU = 0.5

// IoU of two boxes that share a center, so only their sizes matter
func iouWidthHeight(a, b [2]float32) float32 {
	inter := min(a[0], b[0]) * min(a[1], b[1])
	return inter / (a[0]*a[1] + b[0]*b[1] - inter)
}

// BuildTargets creates one [anchors, S, S, 6] target tensor per scale.
// Each box is assigned to the best matching anchor of every scale, in the cell that
// holds its center. gridSizes[i] is S for anchors[i].
func BuildTargets(boxes []Box, anchors nn.Anchors, gridSizes []int, ignoreIoU float32) ([]*tensor.Dense, error) {
	if len(gridSizes) != len(anchors) {
		return nil, fmt.Errorf("Got %v grid sizes, but %v anchor scales", len(gridSizes), len(anchors))
	}
	targets := make([]*tensor.Dense, len(anchors))
	var scaleOf, anchorOf []int
	for s, g := range gridSizes {
		targets[s] = layers.Zeros(len(anchors[s]), g, g, TargetAttrs)
		for a := range anchors[s] {
			scaleOf = append(scaleOf, s)
			anchorOf = append(anchorOf, a)
		}
	}
	all := anchors.Flatten()

	ious := make([]float32, len(all))
	order := make([]int, len(all))
	for _, box := range boxes {
		for i, anchor := range all {
			ious[i] = iouWidthHeight([2]float32{box.W, box.H}, anchor)
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool { return ious[order[i]] > ious[order[j]] })

		hasAnchor := make([]bool, len(anchors))
		for _, idx := range order {
			scale := scaleOf[idx]
			g := gridSizes[scale]
			row := min(int(float32(g)*box.Y), g-1)
			col := min(int(float32(g)*box.X), g-1)
			off := ((anchorOf[idx]*g+row)*g + col) * TargetAttrs
			cell := layers.Data(targets[scale])[off : off+TargetAttrs]
			taken := cell[TargetObjectness] != 0
			if !taken && !hasAnchor[scale] {
				cell[TargetObjectness] = 1
				cell[TargetX] = float32(g)*box.X - float32(col)
				cell[TargetY] = float32(g)*box.Y - float32(row)
				cell[TargetW] = box.W * float32(g)
				cell[TargetH] = box.H * float32(g)
				cell[TargetClass] = float32(box.Class)
				hasAnchor[scale] = true
			} else if !taken && ious[idx] > ignoreIoU {
				cell[TargetObjectness] = -1
			}
		}
	}
	return targets, nil
}
