// Package modelload turns a model config into a ready-to-run network, fetching its weights
// if necessary, so that callers don't need to know which architecture they are dealing with.
package modelload

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolo/pkg/checkpoint"
	"github.com/cyclopcam/yolo/pkg/kibi"
	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/cyclopcam/yolo/pkg/nn"
	"github.com/cyclopcam/yolo/pkg/yolov1"
	"github.com/cyclopcam/yolo/pkg/yolov3"
)

const (
	ArchYOLOv3 = "yolov3"
	ArchYOLOv1 = "yolov1"
)

const DefaultGridSize = 7
const DefaultBoxesPerCell = 2

// Downloads larger than this are aborted
var MaxDownloadBytes int64 = 1024 * 1024 * 1024

// Model is a network of either architecture, along with its config.
// Exactly one of V3 and V1 is set.
type Model struct {
	Config   *nn.ModelConfig
	V3       *yolov3.Network
	Detector *yolov3.Detector // Set along with V3
	V1       *yolov1.Network
}

func (m *Model) Params() []layers.Param {
	if m.V3 != nil {
		return m.V3.Params()
	}
	return m.V1.Params()
}

func (m *Model) Init(seed uint64) {
	if m.V3 != nil {
		m.V3.Init(seed)
	} else {
		m.V1.Init(seed)
	}
}

// Build creates the network described by cfg, with zero weights.
// cfg is modified to fill in defaults.
func Build(cfg *nn.ModelConfig) (*Model, error) {
	if cfg.Architecture == "" {
		cfg.Architecture = ArchYOLOv3
	}
	if len(cfg.Classes) == 0 {
		return nil, fmt.Errorf("Model config has no classes")
	}
	m := &Model{Config: cfg}
	switch cfg.Architecture {
	case ArchYOLOv3:
		netConfig := yolov3.DefaultConfig()
		if len(cfg.Network) != 0 {
			var err error
			if netConfig, err = yolov3.ParseConfig(cfg.Network); err != nil {
				return nil, err
			}
		}
		if len(cfg.Anchors) == 0 {
			cfg.Anchors = nn.DefaultAnchors()
		}
		net, err := yolov3.New(netConfig, 3, len(cfg.Classes))
		if err != nil {
			return nil, err
		}
		if _, err := net.OutputShapes(1, cfg.Height, cfg.Width); err != nil {
			return nil, fmt.Errorf("Network can't run at %vx%v: %w", cfg.Width, cfg.Height, err)
		}
		det, err := yolov3.NewDetector(net, cfg)
		if err != nil {
			return nil, err
		}
		m.V3 = net
		m.Detector = det
	case ArchYOLOv1:
		if cfg.GridSize == 0 {
			cfg.GridSize = DefaultGridSize
		}
		if cfg.BoxesPerCell == 0 {
			cfg.BoxesPerCell = DefaultBoxesPerCell
		}
		net, err := yolov1.New(cfg.GridSize, cfg.BoxesPerCell, len(cfg.Classes))
		if err != nil {
			return nil, err
		}
		m.V1 = net
	default:
		return nil, fmt.Errorf("Unknown architecture '%v'", cfg.Architecture)
	}
	return m, nil
}

// LoadFile loads a model config JSON file, and everything it refers to.
// Relative weight paths are relative to the config file.
func LoadFile(log logs.Log, configFile string) (*Model, error) {
	cfg, err := nn.LoadModelConfig(configFile)
	if err != nil {
		return nil, err
	}
	return Load(log, cfg, filepath.Dir(configFile))
}

// Load builds the network described by cfg and fills in its weights.
// If the weights are a URL, they are downloaded into modelDir first, unless already present.
// If no weights are named, the network is randomly initialized from cfg.Seed.
func Load(log logs.Log, cfg *nn.ModelConfig, modelDir string) (*Model, error) {
	m, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Weights == "" {
		log.Warnf("No weights for %v model, using random initialization (seed %v)", cfg.Architecture, cfg.Seed)
		m.Init(cfg.Seed)
		return m, nil
	}

	weightsFile, err := fetchWeights(log, cfg.Weights, modelDir)
	if err != nil {
		return nil, err
	}
	c, err := checkpoint.LoadFile(weightsFile, m.Params())
	if err != nil {
		return nil, err
	}
	if c.Architecture != cfg.Architecture {
		return nil, fmt.Errorf("Weights %v are for %v, but the model is %v", weightsFile, c.Architecture, cfg.Architecture)
	}
	if len(c.Classes) != 0 && !slices.Equal(c.Classes, cfg.Classes) {
		return nil, fmt.Errorf("Weights %v were trained on different classes to the model config", weightsFile)
	}
	log.Infof("Loaded %v model (%vx%v) from %v", cfg.Architecture, cfg.Width, cfg.Height, weightsFile)
	return m, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Return the local filename of the weights, downloading them if necessary
func fetchWeights(log logs.Log, weights, modelDir string) (string, error) {
	if !isURL(weights) {
		if filepath.IsAbs(weights) {
			return weights, nil
		}
		return filepath.Join(modelDir, weights), nil
	}
	u, err := url.Parse(weights)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return "", fmt.Errorf("Weights URL %v has no filename", weights)
	}
	diskPath := filepath.Join(modelDir, name)
	if _, err := os.Stat(diskPath); os.IsNotExist(err) {
		log.Infof("Downloading %v to %v", weights, diskPath)
		if err := downloadFile(weights, diskPath); err != nil {
			return "", fmt.Errorf("Download failed: %w", err)
		}
		if st, err := os.Stat(diskPath); err == nil {
			log.Infof("Downloaded %v", kibi.Bytes(st.Size()))
		}
	} else if err != nil {
		return "", err
	}
	return diskPath, nil
}

func downloadFile(srcUrl, targetFile string) error {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	if resp.ContentLength > MaxDownloadBytes {
		return fmt.Errorf("File is %v, which is larger than the limit of %v", kibi.Bytes(resp.ContentLength), kibi.Bytes(MaxDownloadBytes))
	}
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer os.Remove(tempFile)
	defer file.Close()
	n, err := io.Copy(file, io.LimitReader(resp.Body, MaxDownloadBytes+1))
	if err != nil {
		return err
	}
	if n > MaxDownloadBytes {
		return fmt.Errorf("Download exceeds the limit of %v", kibi.Bytes(MaxDownloadBytes))
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tempFile, targetFile)
}
