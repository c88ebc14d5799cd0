// Package dataset reads YOLO training data (images with normalized box labels), and turns
// it into batches of network inputs and per-scale target tensors.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Entry is one row of a dataset index: an image, and the text file holding its labels
type Entry struct {
	Image string
	Label string
}

// ReadCSV reads a dataset index with rows of "image,label".
// If the first row doesn't name an image file, it is treated as a header and skipped.
func ReadCSV(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	entries := []Entry{}
	for row := 0; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("Row %v has %v columns, but we need image and label", row+1, len(rec))
		}
		if row == 0 && filepath.Ext(rec[0]) == "" {
			continue
		}
		entries = append(entries, Entry{
			Image: strings.TrimSpace(rec[0]),
			Label: strings.TrimSpace(rec[1]),
		})
	}
	return entries, nil
}

func LoadCSV(filename string) ([]Entry, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("Error reading %v: %w", filename, err)
	}
	return entries, nil
}
