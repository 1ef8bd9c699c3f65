// Package transfer encodes and decodes task snapshots for export/import.
// The wire format is a small JSON document; imports are validated against a
// JSON Schema before anything touches the store.
package transfer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrBadSnapshot marks input that is not a valid snapshot document.
var ErrBadSnapshot = errors.New("bad snapshot format")

const snapshotVersion = 1

const snapshotSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["version", "tasks", "completed"],
	"properties": {
		"version": {"type": "integer", "minimum": 1},
		"tasks": {"type": "array", "items": {"type": "string"}},
		"completed": {"type": "array", "items": {"type": "string"}}
	},
	"additionalProperties": false
}`

// Snapshot is the export/import document: the current and completed task
// texts of one account, order-preserving.
type Snapshot struct {
	Version   int      `json:"version"`
	Tasks     []string `json:"tasks"`
	Completed []string `json:"completed"`
}

// Artifact is a produced export file.
type Artifact struct {
	Name string
	Data []byte
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		// jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse snapshot schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("snapshot.json", doc); err != nil {
			schemaErr = fmt.Errorf("add snapshot schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("snapshot.json")
	})
	return schema, schemaErr
}

// Encode serializes the two task sets into an artifact named from filename.
// A ".json" extension is appended when absent.
func Encode(current, completed []string, filename string) (*Artifact, error) {
	if current == nil {
		current = []string{}
	}
	if completed == nil {
		completed = []string{}
	}
	snap := Snapshot{
		Version:   snapshotVersion,
		Tasks:     current,
		Completed: completed,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	name := strings.TrimSpace(filename)
	if name == "" {
		name = "tasks"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".json") {
		name += ".json"
	}
	return &Artifact{Name: name, Data: data}, nil
}

// Decode parses and validates a snapshot document. Any structural problem is
// reported as ErrBadSnapshot; the caller shows a format error to the user.
func Decode(data []byte) (current, completed []string, err error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, nil, err
	}

	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if err := sch.Validate(parsed); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if snap.Version > snapshotVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, snap.Version)
	}
	return snap.Tasks, snap.Completed, nil
}
