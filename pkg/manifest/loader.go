package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type format int

const (
	formatUnknown format = iota
	formatYAML
	formatJSON
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	case ".json":
		return formatJSON
	default:
		return formatUnknown
	}
}

// Load reads and validates a watch manifest.
//
// The format is chosen by extension (.yaml/.yml or .json); other extensions
// try YAML, then JSON. Defaults are applied after schema validation.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, fmt.Errorf("manifest file not found: %s", path)
		case os.IsPermission(err):
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		default:
			return nil, fmt.Errorf("failed to read manifest file: %w", err)
		}
	}
	return LoadFromBytes(data, path)
}

// LoadFromReader reads and validates a manifest from r. path is only used
// for format detection and may be empty.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a manifest from raw bytes. path is only
// used for format detection and may be empty.
//
// The raw document is schema-validated before it is decoded, so unknown
// fields are rejected rather than silently dropped.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	doc, f, err := normalize(data, formatOf(path))
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(doc); err != nil {
		return nil, err
	}

	var m Manifest
	if f == formatJSON {
		err = json.Unmarshal(data, &m)
	} else {
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	m.ApplyDefaults()
	return &m, nil
}

// normalize returns the document as JSON along with the format it was
// parsed as.
func normalize(data []byte, f format) ([]byte, format, error) {
	switch f {
	case formatJSON:
		if !json.Valid(data) {
			var raw any
			err := json.Unmarshal(data, &raw)
			return nil, f, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, f, nil

	case formatYAML:
		doc, err := yamlToJSON(data)
		return doc, f, err

	default:
		// YAML is a superset of JSON, so it is tried first.
		doc, err := yamlToJSON(data)
		if err == nil {
			return doc, formatYAML, nil
		}
		if json.Valid(data) {
			return data, formatJSON, nil
		}
		return nil, f, fmt.Errorf("failed to parse manifest (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	return doc, nil
}
