// Package checkpoint saves and loads network parameters as a CBOR state dict.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolo/pkg/kibi"
	"github.com/cyclopcam/yolo/pkg/layers"
	"github.com/fxamacker/cbor/v2"
	"github.com/pdevine/tensor"
)

const FormatVersion = 1

var ErrUnknownParam = errors.New("Checkpoint has a parameter that the network doesn't")
var ErrMissingParam = errors.New("Network has a parameter that the checkpoint doesn't")
var ErrShape = errors.New("Checkpoint parameter has the wrong shape")

// Tensor is a named parameter. Data holds little endian float32 values.
type Tensor struct {
	Name  string `cbor:"name"`
	Shape []int  `cbor:"shape"`
	Data  []byte `cbor:"data"`
}

type Checkpoint struct {
	Version      int      `cbor:"version"`
	Architecture string   `cbor:"architecture"`
	Classes      []string `cbor:"classes"`
	Tensors      []Tensor `cbor:"tensors"`
}

// New captures the current values of params
func New(architecture string, classes []string, params []layers.Param) *Checkpoint {
	c := &Checkpoint{
		Version:      FormatVersion,
		Architecture: architecture,
		Classes:      classes,
		Tensors:      make([]Tensor, 0, len(params)),
	}
	for _, p := range params {
		src := layers.Data(p.Value)
		data := make([]byte, 4*len(src))
		for i, v := range src {
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
		}
		c.Tensors = append(c.Tensors, Tensor{
			Name:  p.Name,
			Shape: p.Value.Shape().Clone(),
			Data:  data,
		})
	}
	return c
}

// NumValues returns the total number of scalars held in the checkpoint
func (c *Checkpoint) NumValues() int {
	n := 0
	for _, t := range c.Tensors {
		n += len(t.Data) / 4
	}
	return n
}

// Apply copies the checkpoint values into params.
// Every parameter must be present in the checkpoint with the same shape, and the checkpoint
// may not hold anything else. Nothing is modified unless all of the checks pass.
func (c *Checkpoint) Apply(params []layers.Param) error {
	byName := map[string]*Tensor{}
	for i := range c.Tensors {
		byName[c.Tensors[i].Name] = &c.Tensors[i]
	}
	if len(byName) != len(c.Tensors) {
		return fmt.Errorf("Checkpoint has duplicate parameter names")
	}
	known := map[string]bool{}
	for _, p := range params {
		known[p.Name] = true
		t := byName[p.Name]
		if t == nil {
			return fmt.Errorf("%w: %v", ErrMissingParam, p.Name)
		}
		if !p.Value.Shape().Eq(tensor.Shape(t.Shape)) {
			return fmt.Errorf("%w: %v is %v in the checkpoint, but %v in the network", ErrShape, p.Name, t.Shape, p.Value.Shape())
		}
		if len(t.Data) != 4*p.Value.Shape().TotalSize() {
			return fmt.Errorf("%w: %v has %v bytes of data, but shape %v", ErrShape, p.Name, len(t.Data), t.Shape)
		}
	}
	for _, t := range c.Tensors {
		if !known[t.Name] {
			return fmt.Errorf("%w: %v", ErrUnknownParam, t.Name)
		}
	}
	for _, p := range params {
		t := byName[p.Name]
		dst := layers.Data(p.Value)
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
	}
	return nil
}

func Save(w io.Writer, architecture string, classes []string, params []layers.Param) error {
	return cbor.NewEncoder(w).Encode(New(architecture, classes, params))
}

// Read decodes a checkpoint without applying it to anything
func Read(r io.Reader) (*Checkpoint, error) {
	c := &Checkpoint{}
	if err := cbor.NewDecoder(r).Decode(c); err != nil {
		return nil, fmt.Errorf("Invalid checkpoint: %w", err)
	}
	if c.Version != FormatVersion {
		return nil, fmt.Errorf("Unsupported checkpoint version %v", c.Version)
	}
	return c, nil
}

// Load reads a checkpoint and applies it to params
func Load(r io.Reader, params []layers.Param) (*Checkpoint, error) {
	c, err := Read(r)
	if err != nil {
		return nil, err
	}
	return c, c.Apply(params)
}

// SaveFile writes the checkpoint to a temporary file, and renames it into place once complete
func SaveFile(log logs.Log, filename, architecture string, classes []string, params []layers.Param) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	tempFile := filename + ".tmp"
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer os.Remove(tempFile)
	defer file.Close()
	if err := Save(file, architecture, classes, params); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempFile, filename); err != nil {
		return err
	}
	if st, err := os.Stat(filename); err == nil {
		log.Infof("Saved %v parameters to %v (%v)", layers.CountParams(params), filename, kibi.Bytes(st.Size()))
	}
	return nil
}

func LoadFile(filename string, params []layers.Param) (*Checkpoint, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	c, err := Load(file, params)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	return c, nil
}
