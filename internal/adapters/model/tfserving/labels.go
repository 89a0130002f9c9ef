package tfserving

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// LoadLabels reads the class names from a CSV file with a "breed" column.
// The model's output order is the sorted set of distinct breeds.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()
	return ParseLabels(f)
}

func ParseLabels(r io.Reader) ([]string, error) {
	rd := csv.NewReader(r)
	header, err := rd.Read()
	if err != nil {
		return nil, fmt.Errorf("read labels header: %w", err)
	}

	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "breed") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, errors.New("labels file has no breed column")
	}

	seen := make(map[string]struct{})
	for {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read labels: %w", err)
		}
		if col >= len(rec) {
			continue
		}
		if b := strings.TrimSpace(rec[col]); b != "" {
			seen[b] = struct{}{}
		}
	}

	labels := make([]string, 0, len(seen))
	for b := range seen {
		labels = append(labels, b)
	}
	sort.Strings(labels)
	if len(labels) == 0 {
		return nil, errors.New("labels file is empty")
	}
	return labels, nil
}
