package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolo/pkg/checkpoint"
	"github.com/cyclopcam/yolo/pkg/dataset"
	"github.com/cyclopcam/yolo/pkg/kibi"
	"github.com/cyclopcam/yolo/pkg/modelload"
	"github.com/cyclopcam/yolo/pkg/nn"
	"github.com/cyclopcam/yolo/pkg/visual"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

// The model config to use when none is given on the command line
func defaultModelConfig() *nn.ModelConfig {
	return &nn.ModelConfig{
		Architecture: modelload.ArchYOLOv3,
		Width:        416,
		Height:       416,
		Classes:      nn.VOCClasses,
		Anchors:      nn.DefaultAnchors(),
		Seed:         1,
	}
}

func loadModelConfig(filename string) *nn.ModelConfig {
	if filename == "" {
		return defaultModelConfig()
	}
	cfg, err := nn.LoadModelConfig(filename)
	check(err)
	return cfg
}

func writeJSON(filename string, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	check(err)
	check(os.WriteFile(filename, b, 0644))
}

func main() {
	parser := argparse.NewParser("yolo", "YOLO object detection networks")

	shapesCmd := parser.NewCommand("shapes", "Print the layers and output shapes of a network")
	shapesModel := shapesCmd.String("m", "model", &argparse.Options{Help: "Model config JSON file (default is YOLOv3 on VOC at 416x416)"})
	shapesBatch := shapesCmd.Int("b", "batch", &argparse.Options{Help: "Batch size", Default: 16})

	initCmd := parser.NewCommand("init", "Write a randomly initialized checkpoint")
	initModel := initCmd.String("m", "model", &argparse.Options{Help: "Model config JSON file"})
	initOutput := initCmd.String("o", "output", &argparse.Options{Help: "Output checkpoint file", Required: true})
	initSeed := initCmd.Int("s", "seed", &argparse.Options{Help: "Random seed (default is the seed in the model config)", Default: -1})

	detectCmd := parser.NewCommand("detect", "Detect objects in a JPEG image")
	detectModel := detectCmd.String("m", "model", &argparse.Options{Help: "Model config JSON file", Required: true})
	detectInput := detectCmd.String("i", "input", &argparse.Options{Help: "Input JPEG image", Required: true})
	detectOutput := detectCmd.String("o", "output", &argparse.Options{Help: "Output JSON file with the detected objects", Required: true})
	detectPNG := detectCmd.String("", "png", &argparse.Options{Help: "Also write an annotated PNG image here"})
	detectThreshold := detectCmd.Float("t", "threshold", &argparse.Options{Help: "Probability threshold", Default: float64(nn.DefaultProbabilityThreshold)})
	detectThreads := detectCmd.Int("", "threads", &argparse.Options{Help: "Number of tiles to process concurrently", Default: 2})
	detectMaxDownload := detectCmd.String("", "max-download", &argparse.Options{Help: "Largest weights file to download (eg 500 MB)", Default: "1 GB"})

	labelsCmd := parser.NewCommand("labels", "Draw COCO style JSON box labels onto their images")
	labelsFile := labelsCmd.String("l", "labels", &argparse.Options{Help: "JSON label file", Required: true})
	labelsImages := labelsCmd.String("d", "images", &argparse.Options{Help: "Image directory", Required: true})
	labelsOutput := labelsCmd.String("o", "output", &argparse.Options{Help: "Output directory", Required: true})
	labelsLimit := labelsCmd.Int("n", "limit", &argparse.Options{Help: "Maximum number of images (0 = all)", Default: 0})

	batchesCmd := parser.NewCommand("batches", "Save a grid image of every batch of a CSV dataset, with labels drawn on")
	batchesCSV := batchesCmd.String("c", "csv", &argparse.Options{Help: "Dataset CSV index", Required: true})
	batchesImages := batchesCmd.String("", "images", &argparse.Options{Help: "Image directory", Required: true})
	batchesLabels := batchesCmd.String("", "labels", &argparse.Options{Help: "Label directory", Required: true})
	batchesOutput := batchesCmd.String("o", "output", &argparse.Options{Help: "Output directory", Default: "batch_dir"})
	batchesSize := batchesCmd.Int("", "size", &argparse.Options{Help: "Image size", Default: 416})
	batchesBatch := batchesCmd.Int("b", "batch", &argparse.Options{Help: "Batch size", Default: 16})
	batchesRow := batchesCmd.Int("", "nrow", &argparse.Options{Help: "Images per row of the grid", Default: 4})
	batchesWorkers := batchesCmd.Int("w", "workers", &argparse.Options{Help: "Images to load concurrently", Default: 4})
	batchesShuffle := batchesCmd.Flag("", "shuffle", &argparse.Options{Help: "Shuffle the dataset"})
	batchesLimit := batchesCmd.Int("n", "limit", &argparse.Options{Help: "Stop after this many batches (0 = all)", Default: 0})
	batchesClasses := batchesCmd.String("", "classes", &argparse.Options{Help: "Class names: 'voc', 'coco', or a text file with one name per line", Default: "voc"})
	batchesModel := batchesCmd.String("m", "model", &argparse.Options{Help: "YOLOv3 model config JSON file. If given, predictions are drawn along with the labels."})
	batchesThreshold := batchesCmd.Float("t", "threshold", &argparse.Options{Help: "Probability threshold for drawn predictions", Default: 0.5})

	plotCmd := parser.NewCommand("boxplot", "Plot label box sizes against the anchors")
	plotCSV := plotCmd.String("c", "csv", &argparse.Options{Help: "Dataset CSV index", Required: true})
	plotLabels := plotCmd.String("", "labels", &argparse.Options{Help: "Label directory", Required: true})
	plotOutput := plotCmd.String("o", "output", &argparse.Options{Help: "Output image (.png or .svg)", Default: "box_sizes.png"})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	if shapesCmd.Happened() {
		showShapes(loadModelConfig(*shapesModel), *shapesBatch)
	} else if initCmd.Happened() {
		cfg := loadModelConfig(*initModel)
		m, err := modelload.Build(cfg)
		check(err)
		seed := cfg.Seed
		if *initSeed >= 0 {
			seed = uint64(*initSeed)
		}
		m.Init(seed)
		check(checkpoint.SaveFile(logger, *initOutput, cfg.Architecture, cfg.Classes, m.Params()))
	} else if detectCmd.Happened() {
		maxDownload, err := kibi.Parse(*detectMaxDownload)
		check(err)
		modelload.MaxDownloadBytes = maxDownload
		params := nn.NewDetectionParams()
		params.ProbabilityThreshold = float32(*detectThreshold)
		detect(logger, *detectModel, *detectInput, *detectOutput, *detectPNG, params, *detectThreads)
	} else if labelsCmd.Happened() {
		drawLabels(logger, *labelsFile, *labelsImages, *labelsOutput, *labelsLimit)
	} else if batchesCmd.Happened() {
		check(os.MkdirAll(*batchesOutput, 0755))
		ds, err := dataset.NewDataset(*batchesCSV, *batchesImages, *batchesLabels, *batchesSize, *batchesSize)
		check(err)
		loader := &dataset.Loader{
			Log:       logger,
			Source:    ds,
			BatchSize: *batchesBatch,
			DropLast:  true,
			Shuffle:   *batchesShuffle,
			Workers:   *batchesWorkers,
		}
		classes := loadClassNames(*batchesClasses)
		var pred *predictor
		if *batchesModel != "" {
			m, err := modelload.LoadFile(logger, *batchesModel)
			check(err)
			if m.V3 == nil {
				check(fmt.Errorf("Drawing predictions needs a %v model, but %v is %v", modelload.ArchYOLOv3, *batchesModel, m.Config.Architecture))
			}
			params := nn.NewDetectionParams()
			params.ProbabilityThreshold = float32(*batchesThreshold)
			pred = &predictor{net: m.V3, anchors: m.Config.Anchors, params: params}
			classes = m.Config.Classes
		}
		check(saveBatches(loader, ds.Width, ds.Height, classes, pred, *batchesOutput, *batchesRow, *batchesLimit))
	} else if plotCmd.Happened() {
		entries, err := dataset.LoadCSV(*plotCSV)
		check(err)
		var boxes []dataset.Box
		for _, e := range entries {
			b, err := dataset.ParseLabelFile(filepath.Join(*plotLabels, e.Label))
			check(err)
			boxes = append(boxes, b...)
		}
		check(dataset.PlotBoxSizes(boxes, nn.DefaultAnchors(), *plotOutput))
		logger.Infof("Plotted %v boxes from %v images to %v", len(boxes), len(entries), *plotOutput)
	}
}

func showShapes(cfg *nn.ModelConfig, batch int) {
	m, err := modelload.Build(cfg)
	check(err)
	if m.V1 != nil {
		s, err := m.V1.OutputShape(batch, cfg.Height, cfg.Width)
		check(err)
		fmt.Printf("Output: %v\n", s)
		fmt.Printf("Parameters: %v\n", m.V1.NumParams())
		return
	}
	steps, err := m.V3.Describe(batch, cfg.Height, cfg.Width)
	check(err)
	for _, s := range steps {
		fmt.Printf("%3d %-20v %-7v %-22v %v\n", s.Index, s.Layer, s.Route, fmt.Sprint(s.OutShape), s.Params)
	}
	shapes, err := m.V3.OutputShapes(batch, cfg.Height, cfg.Width)
	check(err)
	for i, s := range shapes {
		fmt.Printf("Output %v: %v\n", i, s)
	}
	fmt.Printf("Parameters: %v\n", m.V3.NumParams())
}

func detect(logger logs.Log, modelFile, input, output, pngFile string, params *nn.DetectionParams, threads int) {
	m, err := modelload.LoadFile(logger, modelFile)
	check(err)
	if m.Detector == nil {
		check(fmt.Errorf("Detection needs a %v model, but %v is %v", modelload.ArchYOLOv3, modelFile, m.Config.Architecture))
	}
	img, err := cimg.ReadFile(input)
	check(err)
	img = img.ToRGB()
	objects, err := nn.TiledInference(m.Detector, nn.WholeImage(3, img.Pixels, img.Width, img.Height), params, threads)
	check(err)
	timing := m.Detector.InferenceTime()
	logger.Infof("Found %v objects in %v (%v tiles, %v per tile)", len(objects), input, timing.Samples, timing.Average())
	writeJSON(output, nn.ImageLabels{
		Filename: filepath.Base(input),
		Width:    img.Width,
		Height:   img.Height,
		Objects:  objects,
	})
	if pngFile != "" {
		check(visual.SavePNG(pngFile, visual.DrawBoxes(visual.FromCImg(img), objects, m.Config.Classes)))
	}
}

func drawLabels(logger logs.Log, labelsFile, imageDir, outputDir string, limit int) {
	all, err := dataset.LoadBoxLabels(labelsFile)
	check(err)
	check(os.MkdirAll(outputDir, 0755))
	for i, labels := range all {
		if limit > 0 && i >= limit {
			break
		}
		img, err := cimg.ReadFile(filepath.Join(imageDir, labels.FileName))
		if err != nil {
			logger.Warnf("Skipping %v: %v", labels.FileName, err)
			continue
		}
		if n := labels.NumInvalid(); n != 0 {
			logger.Warnf("%v: skipping %v boxes with a category ID outside [0, %v]", labels.FileName, n, dataset.MaxCategoryID)
		}
		il := labels.ImageLabels(img.Width, img.Height)
		out := filepath.Join(outputDir, strings.TrimSuffix(labels.FileName, filepath.Ext(labels.FileName))+".png")
		check(visual.SavePNG(out, visual.DrawBoxes(visual.FromCImg(img), il.Objects, labels.CategoryNames())))
	}
}

func loadClassNames(name string) []string {
	switch name {
	case "voc":
		return nn.VOCClasses
	case "coco":
		return nn.COCOClasses
	}
	classes, err := nn.LoadClassFile(name)
	check(err)
	return classes
}
