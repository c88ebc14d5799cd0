package nn

import (
	"github.com/bmharper/tiledinference"
	"golang.org/x/sync/errgroup"
)

// TiledInference runs the model over an image that may be larger than the model's input.
// The image is split into overlapping tiles of the model size, each tile is detected
// separately, and objects that were cut by tile boundaries are merged back together.
// If the image fits inside the model, this is just a single call to DetectObjects.
func TiledInference(model ObjectDetector, img ImageCrop, _params *DetectionParams, nThreads int) ([]ObjectDetection, error) {
	config := model.Config()
	if _params == nil {
		_params = NewDetectionParams()
	}

	// Clip only once everything is merged, otherwise objects on tile edges get shrunk
	params := *_params
	params.Unclipped = true

	// Overlap between tiles, in pixels. Our models are at most a few hundred pixels
	// wide, so a fixed value is good enough.
	minPadding := 32

	tiling := tiledinference.MakeTiling(img.CropWidth, img.CropHeight, config.Width, config.Height, minPadding)

	type tileResult struct {
		objects []ObjectDetection
		boxes   []tiledinference.Box
	}
	results := make([]tileResult, tiling.NumX*tiling.NumY)

	var eg errgroup.Group
	eg.SetLimit(max(nThreads, 1))
	for ty := 0; ty < tiling.NumY; ty++ {
		for tx := 0; tx < tiling.NumX; tx++ {
			eg.Go(func() error {
				objects, boxes, err := detectTile(model, &params, tiling, tx, ty, img)
				if err != nil {
					return err
				}
				// Each tile owns its own slot, so no lock is needed
				results[ty*tiling.NumX+tx] = tileResult{objects, boxes}
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	allObjects := []ObjectDetection{}
	allBoxes := []tiledinference.Box{}
	for _, r := range results {
		allObjects = append(allObjects, r.objects...)
		allBoxes = append(allBoxes, r.boxes...)
	}

	finalClip := Rect{
		X:      0,
		Y:      0,
		Width:  img.CropWidth,
		Height: img.CropHeight,
	}

	if tiling.IsSingle() {
		if !_params.Unclipped {
			for i := range allObjects {
				allObjects[i].Box = allObjects[i].Box.Intersection(finalClip)
			}
		}
		return allObjects, nil
	}

	merged := []ObjectDetection{}
	groups, mergedBoxes := tiledinference.MergeBoxes(tiling, allBoxes, nil)
	for igroup, group := range groups {
		newObj := allObjects[group[0]]
		r := mergedBoxes[igroup]

		// The merged box can be larger than any of the individual objects in the group
		newObj.Box = Rect{X: int(r.Rect.X1), Y: int(r.Rect.Y1), Width: int(r.Rect.Width()), Height: int(r.Rect.Height())}
		if !_params.Unclipped {
			newObj.Box = newObj.Box.Intersection(finalClip)
		}

		for _, el := range group[1:] {
			newObj.Confidence = max(newObj.Confidence, allObjects[el].Confidence)
		}
		merged = append(merged, newObj)
	}
	return merged, nil
}

// Returns two parallel arrays, with coordinates relative to img
func detectTile(model ObjectDetector, params *DetectionParams, tiling tiledinference.Tiling, tx, ty int, img ImageCrop) ([]ObjectDetection, []tiledinference.Box, error) {
	tileRect := tiling.TileRect(tx, ty)
	crop := img.Crop(int(tileRect.X1), int(tileRect.Y1), int(tileRect.X2), int(tileRect.Y2))
	objects, err := model.DetectObjects(crop, params)
	if err != nil {
		return nil, nil, err
	}
	boxes := make([]tiledinference.Box, 0, len(objects))
	for i, obj := range objects {
		box := tiledinference.Box{
			Rect: tiledinference.Rect{
				X1: int32(obj.Box.X),
				Y1: int32(obj.Box.Y),
				X2: int32(obj.Box.X2()),
				Y2: int32(obj.Box.Y2()),
			},
			Class: int32(obj.Class),
			Tile:  tiling.MakeTileIndex(tx, ty),
		}
		box.Rect.Offset(int32(tileRect.X1), int32(tileRect.Y1))
		objects[i].Box.Offset(int(tileRect.X1), int(tileRect.Y1))
		boxes = append(boxes, box)
	}
	return objects, boxes, nil
}
