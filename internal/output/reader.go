package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// Dictionary is a fully loaded output file.
type Dictionary struct {
	Records  []Record
	Metadata map[string]any
}

// Load reads an article file and its metadata sidecar.
func Load(path string) (Dictionary, error) {
	// #nosec G304 -- path is the operator-supplied output file.
	f, err := os.Open(path)
	if err != nil {
		return Dictionary{}, fmt.Errorf("open output %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var dict Dictionary
	r := bufio.NewReader(f)
	dec := json.NewDecoder(r)
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return Dictionary{}, fmt.Errorf("decode record %d: %w", len(dict.Records)+1, err)
		}
		dict.Records = append(dict.Records, rec)
	}

	// #nosec G304 -- sidecar of the operator-supplied output file.
	data, err := os.ReadFile(path + MetadataSuffix)
	if err != nil {
		return Dictionary{}, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &dict.Metadata); err != nil {
		return Dictionary{}, fmt.Errorf("decode metadata: %w", err)
	}
	return dict, nil
}
