// ABOUTME: YAML loading for pipeline graph definitions and initial input files.
// ABOUTME: Accepts connection endpoints either as {node, port} mappings or "node.port" shorthand strings.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk YAML shape of a pipeline graph.
type Document struct {
	ID          string       `yaml:"id"`
	Version     int          `yaml:"version"`
	Nodes       []Node       `yaml:"nodes"`
	Connections []Connection `yaml:"connections"`
}

// UnmarshalYAML accepts "node.port" scalars in addition to {node, port} mappings.
func (e *Endpoint) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		node, port, ok := strings.Cut(value.Value, ".")
		if !ok || node == "" || port == "" {
			return fmt.Errorf("line %d: endpoint %q must be of the form node.port", value.Line, value.Value)
		}
		e.Node, e.Port = node, port
		return nil
	}

	type plain Endpoint
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*e = Endpoint(p)
	return nil
}

// ParseYAML decodes a pipeline graph from YAML. Unknown fields are rejected so
// typos in node definitions surface early.
func ParseYAML(r io.Reader) (*Graph, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode pipeline: empty document")
		}
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("decode pipeline: missing id")
	}

	return New(doc.ID, doc.Version, doc.Nodes, doc.Connections), nil
}

// LoadYAML reads and decodes a pipeline graph from a YAML file.
func LoadYAML(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	return ParseYAML(bytes.NewReader(data))
}

// MarshalYAML renders the graph back into its Document form.
func (g *Graph) MarshalYAML() (any, error) {
	return Document{
		ID:          g.id,
		Version:     g.version,
		Nodes:       g.Nodes(),
		Connections: g.Connections(),
	}, nil
}

// LoadInputs reads initial input values from a YAML file shaped as
// node id -> input port -> value.
func LoadInputs(path string) (map[string]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inputs: %w", err)
	}

	inputs := make(map[string]map[string]any)
	if err := yaml.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	return inputs, nil
}
