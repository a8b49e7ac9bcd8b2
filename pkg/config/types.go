package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// Manifest is a change-set declaration decoded from CUE or HCL.
type Manifest struct {
	// Clusters group nodes and declare cluster precedence.
	Clusters []engine.Cluster `json:"clusters,omitempty" validate:"dive"`

	// Items records model item ownership and removal marking.
	Items []engine.Item `json:"items,omitempty" validate:"dive"`

	// Tasks are standalone task descriptors.
	Tasks []engine.TaskDescriptor `json:"tasks,omitempty" validate:"dive"`

	// Groups are ordered task groups.
	Groups []engine.OrderedGroup `json:"groups,omitempty" validate:"dive"`

	// Producers are Starlark scripts run against Model. Relative paths are
	// resolved against the manifest's directory.
	Producers []string `json:"producers,omitempty"`

	// Model is the data handed to producers as the `model` dict.
	Model map[string]interface{} `json:"model,omitempty"`
}

// ParsedManifest is the result of parsing manifest sources.
type ParsedManifest struct {
	Manifest Manifest `json:"manifest"`

	// BaseDir is the directory producer paths are resolved against.
	BaseDir string `json:"base_dir"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the manifest was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether parsing produced error-severity findings.
func (pm *ParsedManifest) HasErrors() bool {
	for _, e := range pm.Errors {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// Err folds the error-severity findings into a single error, or nil.
func (pm *ParsedManifest) Err() error {
	var msgs []string
	for _, e := range pm.Errors {
		if e.Severity == "error" {
			msgs = append(msgs, e.Error())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("manifest validation failed: %s", strings.Join(msgs, "; "))
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the manifest path to the error (e.g., "tasks[2].node").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) Error() string {
	var loc string
	switch {
	case e.File != "" && e.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", e.File, e.Line, e.Column)
	case e.File != "":
		loc = e.File + ": "
	}
	if e.Path != "" {
		loc += e.Path + ": "
	}
	return loc + e.Message
}

// ProducerResult is what a Starlark producer emitted.
type ProducerResult struct {
	// Script is the producer's path.
	Script string `json:"script"`

	Tasks  []engine.TaskDescriptor `json:"tasks,omitempty"`
	Groups []engine.OrderedGroup   `json:"groups,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`
}

// ChangeSet assembles the manifest and producer output into the input of
// create_plan.
func (pm *ParsedManifest) ChangeSet(produced ...*ProducerResult) engine.ChangeSet {
	m := pm.Manifest
	cs := engine.ChangeSet{
		Tasks:    append([]engine.TaskDescriptor(nil), m.Tasks...),
		Groups:   append([]engine.OrderedGroup(nil), m.Groups...),
		Clusters: append([]engine.Cluster(nil), m.Clusters...),
		Items:    append([]engine.Item(nil), m.Items...),
	}
	for _, r := range produced {
		if r == nil {
			continue
		}
		cs.Tasks = append(cs.Tasks, r.Tasks...)
		cs.Groups = append(cs.Groups, r.Groups...)
	}
	return cs
}

// ParseRef parses the compact reference syntax used on the command line and
// in HCL manifests: "task:<call_type>/<call_id>", "group:<id>" or
// "item:<path>".
func ParseRef(s string) (engine.DependencyRef, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return engine.DependencyRef{}, fmt.Errorf("invalid reference %q: expected <kind>:<target>", s)
	}

	var ref engine.DependencyRef
	switch engine.RefKind(kind) {
	case engine.RefTask:
		callType, callID, ok := strings.Cut(rest, "/")
		if !ok {
			return engine.DependencyRef{}, fmt.Errorf("invalid task reference %q: expected task:<call_type>/<call_id>", s)
		}
		ref = engine.TaskRef(callType, callID)
	case engine.RefGroup:
		ref = engine.GroupRef(rest)
	case engine.RefItem:
		ref = engine.ItemRef(rest)
	default:
		return engine.DependencyRef{}, fmt.Errorf("invalid reference %q: unknown kind %q", s, kind)
	}

	if err := ref.Validate(); err != nil {
		return engine.DependencyRef{}, fmt.Errorf("invalid reference %q: %w", s, err)
	}
	return ref, nil
}
