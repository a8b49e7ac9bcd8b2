package config

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// hclManifestFile is the top-level structure of an HCL manifest.
type hclManifestFile struct {
	Clusters  []*hclCluster `hcl:"cluster,block"`
	Items     []*hclItem    `hcl:"item,block"`
	Tasks     []*hclTask    `hcl:"task,block"`
	Groups    []*hclGroup   `hcl:"group,block"`
	Producers []string      `hcl:"producers,optional"`
}

type hclCluster struct {
	ID        string   `hcl:"id,label"`
	Nodes     []string `hcl:"nodes,optional"`
	DependsOn []string `hcl:"dependency_list,optional"`
}

type hclItem struct {
	Path       string `hcl:"path,label"`
	Node       string `hcl:"node,optional"`
	ForRemoval bool   `hcl:"for_removal,optional"`
}

type hclTask struct {
	Node        string   `hcl:"node,label"`
	CallType    string   `hcl:"call_type,label"`
	CallID      string   `hcl:"call_id,label"`
	Description string   `hcl:"description,optional"`
	Kind        string   `hcl:"kind,optional"`
	Item        string   `hcl:"item,optional"`
	Command     string   `hcl:"command,optional"`
	Payload     string   `hcl:"payload,optional"`
	Requires    []string `hcl:"requires,optional"`
}

type hclGroup struct {
	ID       string     `hcl:"id,label"`
	Requires []string   `hcl:"requires,optional"`
	Tasks    []*hclTask `hcl:"task,block"`
}

// HCLParser parses HCL change-set manifests:
//
//	cluster "db" {
//	  nodes = ["db1"]
//	}
//
//	task "db1" "Config" "postgres" {
//	  description = "Configure postgres for ${var.env}"
//	  command     = "apply-postgres"
//	  payload     = file("postgres.conf")
//	  requires    = ["item:/db/postgres"]
//	}
//
// Expressions see the parser's variables as var.<name> plus a small
// function library (upper, lower, join, format, concat, file).
type HCLParser struct {
	variables map[string]interface{}
	validator *validator.Validate
}

// NewHCLParser creates a new HCL parser. Variables are exposed to
// expressions and become the manifest model.
func NewHCLParser(variables map[string]interface{}) *HCLParser {
	return &HCLParser{
		variables: variables,
		validator: validator.New(),
	}
}

// Parse parses HCL manifests from files or directories of .hcl files.
func (hp *HCLParser) Parse(ctx context.Context, sources []string) (*ParsedManifest, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if !info.IsDir() {
			files = append(files, source)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(source, "*.hcl"))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", source, err)
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}

	pm := &ParsedManifest{
		BaseDir:     baseDir(sources[0]),
		SourceFiles: files,
		ParsedAt:    time.Now(),
	}
	if len(files) == 0 {
		pm.Errors = append(pm.Errors, ValidationError{
			File:     sources[0],
			Message:  "no HCL files found",
			Severity: "error",
		})
		return pm, nil
	}

	evalCtx, err := hp.evalContext(pm.BaseDir)
	if err != nil {
		return nil, err
	}

	parser := hclparse.NewParser()
	var m Manifest
	for _, path := range files {
		file, diags := parser.ParseHCLFile(path)
		if diags.HasErrors() {
			pm.Errors = append(pm.Errors, convertDiagnostics(diags)...)
			continue
		}

		var parsed hclManifestFile
		if diags := gohcl.DecodeBody(file.Body, evalCtx, &parsed); diags.HasErrors() {
			pm.Errors = append(pm.Errors, convertDiagnostics(diags)...)
			continue
		}

		errs := mergeHCLFile(&m, &parsed, path)
		pm.Errors = append(pm.Errors, errs...)
	}

	if len(pm.Errors) > 0 {
		return pm, nil
	}

	m.Model = hp.variables
	pm.Manifest = m
	pm.Errors = append(pm.Errors, ValidateManifest(hp.validator, &m)...)
	return pm, nil
}

// ParseInline parses inline HCL content.
func (hp *HCLParser) ParseInline(ctx context.Context, content string) (*ParsedManifest, error) {
	pm := &ParsedManifest{
		SourceFiles: []string{"inline.hcl"},
		ParsedAt:    time.Now(),
	}

	evalCtx, err := hp.evalContext(".")
	if err != nil {
		return nil, err
	}

	file, diags := hclparse.NewParser().ParseHCL([]byte(content), "inline.hcl")
	if diags.HasErrors() {
		pm.Errors = convertDiagnostics(diags)
		return pm, nil
	}

	var parsed hclManifestFile
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &parsed); diags.HasErrors() {
		pm.Errors = convertDiagnostics(diags)
		return pm, nil
	}

	var m Manifest
	if errs := mergeHCLFile(&m, &parsed, "inline.hcl"); len(errs) > 0 {
		pm.Errors = errs
		return pm, nil
	}

	m.Model = hp.variables
	pm.Manifest = m
	pm.Errors = ValidateManifest(hp.validator, &m)
	return pm, nil
}

func (hp *HCLParser) evalContext(dir string) (*hcl.EvalContext, error) {
	vars, err := toCtyValue(hp.variables)
	if err != nil {
		return nil, fmt.Errorf("failed to convert variables: %w", err)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"var": vars,
		},
		Functions: map[string]function.Function{
			"upper":  stdlib.UpperFunc,
			"lower":  stdlib.LowerFunc,
			"join":   stdlib.JoinFunc,
			"format": stdlib.FormatFunc,
			"concat": stdlib.ConcatFunc,
			"file":   fileFunc(dir),
		},
	}, nil
}

// fileFunc reads a file relative to the manifest directory.
func fileFunc(dir string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "path", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			path := args[0].AsString()
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return cty.NilVal, err
			}
			return cty.StringVal(string(data)), nil
		},
	})
}

func mergeHCLFile(m *Manifest, f *hclManifestFile, path string) []ValidationError {
	var errs []ValidationError

	for _, c := range f.Clusters {
		m.Clusters = append(m.Clusters, engine.Cluster{ID: c.ID, Nodes: c.Nodes, DependsOn: c.DependsOn})
	}
	for _, it := range f.Items {
		m.Items = append(m.Items, engine.Item{Path: it.Path, Node: it.Node, ForRemoval: it.ForRemoval})
	}
	for _, t := range f.Tasks {
		td, err := t.descriptor()
		if err != nil {
			errs = append(errs, ValidationError{File: path, Path: "task." + t.CallID, Message: err.Error(), Severity: "error"})
			continue
		}
		m.Tasks = append(m.Tasks, td)
	}
	for _, g := range f.Groups {
		group := engine.OrderedGroup{ID: g.ID}
		refs, err := parseRefs(g.Requires)
		if err != nil {
			errs = append(errs, ValidationError{File: path, Path: "group." + g.ID, Message: err.Error(), Severity: "error"})
			continue
		}
		group.Requires = refs
		for _, t := range g.Tasks {
			td, err := t.descriptor()
			if err != nil {
				errs = append(errs, ValidationError{File: path, Path: "group." + g.ID + ".task." + t.CallID, Message: err.Error(), Severity: "error"})
				continue
			}
			group.Tasks = append(group.Tasks, td)
		}
		m.Groups = append(m.Groups, group)
	}
	m.Producers = append(m.Producers, f.Producers...)

	return errs
}

func (t *hclTask) descriptor() (engine.TaskDescriptor, error) {
	refs, err := parseRefs(t.Requires)
	if err != nil {
		return engine.TaskDescriptor{}, err
	}
	return engine.TaskDescriptor{
		Node:        t.Node,
		CallType:    t.CallType,
		CallID:      t.CallID,
		Description: t.Description,
		Kind:        engine.TaskKind(t.Kind),
		Item:        t.Item,
		Command:     t.Command,
		Payload:     t.Payload,
		Requires:    refs,
	}, nil
}

func parseRefs(raw []string) ([]engine.DependencyRef, error) {
	var refs []engine.DependencyRef
	for _, s := range raw {
		ref, err := ParseRef(s)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func convertDiagnostics(diags hcl.Diagnostics) []ValidationError {
	var out []ValidationError
	for _, d := range diags {
		severity := "error"
		if d.Severity == hcl.DiagWarning {
			severity = "warning"
		}
		ve := ValidationError{
			Message:  strings.TrimSpace(d.Summary + ": " + d.Detail),
			Severity: severity,
		}
		if d.Subject != nil {
			ve.File = d.Subject.Filename
			ve.Line = d.Subject.Start.Line
			ve.Column = d.Subject.Start.Column
		}
		out = append(out, ve)
	}
	return out
}

// toCtyValue converts decoded YAML/JSON-like data to a cty value.
func toCtyValue(v interface{}) (cty.Value, error) {
	switch val := v.(type) {
	case nil:
		return cty.EmptyObjectVal, nil
	case bool:
		return cty.BoolVal(val), nil
	case int:
		return cty.NumberIntVal(int64(val)), nil
	case int64:
		return cty.NumberIntVal(val), nil
	case uint64:
		return cty.NumberVal(new(big.Float).SetUint64(val)), nil
	case float64:
		return cty.NumberFloatVal(val), nil
	case string:
		return cty.StringVal(val), nil
	case []string:
		if len(val) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(val))
		for i, s := range val {
			elems[i] = cty.StringVal(s)
		}
		return cty.TupleVal(elems), nil
	case []interface{}:
		if len(val) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(val))
		for i, item := range val {
			cv, err := toCtyValue(item)
			if err != nil {
				return cty.NilVal, err
			}
			elems[i] = cv
		}
		return cty.TupleVal(elems), nil
	case map[string]interface{}:
		if len(val) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(val))
		for k, item := range val {
			cv, err := toCtyValue(item)
			if err != nil {
				return cty.NilVal, fmt.Errorf("%s: %w", k, err)
			}
			attrs[k] = cv
		}
		return cty.ObjectVal(attrs), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported type: %T", v)
	}
}
