package summary

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/openfroyo/fabprov/pkg/engine"
)

func readFile(path string) (*engine.RunSummary, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run summary: %w", err)
	}
	s := &engine.RunSummary{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode run summary %s: %w", path, err)
	}
	return s, nil
}
