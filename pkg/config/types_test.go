package config

import (
	"strings"
	"testing"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    engine.DependencyRef
		wantErr bool
	}{
		{in: "task:Config/postgres", want: engine.TaskRef("Config", "postgres")},
		{in: "task:Config/a/b", want: engine.TaskRef("Config", "a/b")},
		{in: "group:rolling", want: engine.GroupRef("rolling")},
		{in: "item:/db/postgres", want: engine.ItemRef("/db/postgres")},
		{in: "task:Config", wantErr: true},
		{in: "task:/x", wantErr: true},
		{in: "group:", wantErr: true},
		{in: "node:n1", wantErr: true},
		{in: "postgres", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRef(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRef(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseRef(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParsedManifest_ChangeSet(t *testing.T) {
	pm := &ParsedManifest{
		Manifest: Manifest{
			Tasks:    []engine.TaskDescriptor{{Node: "n1", CallType: "Config", CallID: "a"}},
			Clusters: []engine.Cluster{{ID: "c1", Nodes: []string{"n1"}}},
			Items:    []engine.Item{{Path: "/x", Node: "n1"}},
		},
	}

	produced := &ProducerResult{
		Tasks:  []engine.TaskDescriptor{{Node: "n2", CallType: "Config", CallID: "b"}},
		Groups: []engine.OrderedGroup{{ID: "g", Tasks: []engine.TaskDescriptor{{Node: "n2", CallType: "Callback", CallID: "c"}}}},
	}

	cs := pm.ChangeSet(produced, nil)
	if len(cs.Tasks) != 2 || len(cs.Groups) != 1 || len(cs.Clusters) != 1 || len(cs.Items) != 1 {
		t.Fatalf("unexpected change set %+v", cs)
	}

	// The manifest itself is not modified.
	if len(pm.Manifest.Tasks) != 1 {
		t.Errorf("manifest tasks mutated: %+v", pm.Manifest.Tasks)
	}
}

func TestParsedManifest_Err(t *testing.T) {
	pm := &ParsedManifest{
		Errors: []ValidationError{
			{File: "m.cue", Line: 3, Column: 5, Path: "tasks.0.node", Message: "incomplete value", Severity: "error"},
			{Message: "unused variable", Severity: "warning"},
		},
	}

	if !pm.HasErrors() {
		t.Fatal("expected errors")
	}
	err := pm.Err()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "m.cue:3:5: tasks.0.node: incomplete value") {
		t.Errorf("unexpected error %v", err)
	}
	if strings.Contains(err.Error(), "unused variable") {
		t.Errorf("warnings must not be folded into the error: %v", err)
	}

	warnOnly := &ParsedManifest{Errors: []ValidationError{{Message: "w", Severity: "warning"}}}
	if warnOnly.HasErrors() || warnOnly.Err() != nil {
		t.Error("warnings alone must not fail the manifest")
	}
}
