package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// CUEParser parses and validates CUE change-set manifests.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
		validator:      validator.New(),
	}
}

// Parse parses CUE manifests from the given files or package directories.
// Sources are unified into one manifest. Schema and reference errors are
// reported in ParsedManifest.Errors; the returned error is reserved for
// sources that cannot be read at all.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedManifest, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = cp.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs = cp.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}

		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	pm := &ParsedManifest{
		BaseDir:     baseDir(sources[0]),
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
		Errors:      parseErrors,
	}
	if len(parseErrors) > 0 {
		return pm, nil
	}

	if err := cueValue.Err(); err != nil {
		pm.Errors = append(pm.Errors, cp.convertCUEErrors(err)...)
		return pm, nil
	}

	cp.extractManifest(cueValue, pm)
	return pm, nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedManifest, error) {
	pm := &ParsedManifest{
		SourceFiles: []string{"inline"},
		ParsedAt:    time.Now(),
	}

	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		pm.Errors = cp.convertCUEErrors(err)
		return pm, nil
	}

	cp.extractManifest(val, pm)
	return pm, nil
}

// loadDirectory compiles every .cue file in dir and unifies them.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil || len(files) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}
	sort.Strings(files)

	var val cue.Value
	for _, file := range files {
		fv, errs := cp.loadFile(file)
		if len(errs) > 0 {
			return cue.Value{}, nil, errs
		}
		if val.Exists() {
			val = val.Unify(fv)
		} else {
			val = fv
		}
	}
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractManifest validates val against the manifest schema and decodes it.
func (cp *CUEParser) extractManifest(val cue.Value, pm *ParsedManifest) {
	if err := cp.schemaRegistry.ValidateValue("manifest", val); err != nil {
		pm.Errors = append(pm.Errors, cp.convertCUEErrors(err)...)
		return
	}

	var m Manifest
	if err := val.Decode(&m); err != nil {
		pm.Errors = append(pm.Errors, ValidationError{
			Message:  fmt.Sprintf("failed to decode manifest: %v", err),
			Severity: "error",
		})
		return
	}

	pm.Manifest = m
	pm.Errors = append(pm.Errors, ValidateManifest(cp.validator, &m)...)
}

// ValidateManifest checks struct constraints and dependency references that
// the schema cannot express.
func ValidateManifest(v *validator.Validate, m *Manifest) []ValidationError {
	var errs []ValidationError

	if err := v.Struct(m); err != nil {
		errs = append(errs, ValidationError{
			Message:  err.Error(),
			Severity: "error",
		})
	}

	checkTask := func(path string, t engine.TaskDescriptor) {
		if t.Kind != "" {
			if err := t.Kind.Validate(); err != nil {
				errs = append(errs, ValidationError{Path: path + ".kind", Message: err.Error(), Severity: "error"})
			}
		}
		for i, ref := range t.Requires {
			if err := ref.Validate(); err != nil {
				errs = append(errs, ValidationError{
					Path:     fmt.Sprintf("%s.requires[%d]", path, i),
					Message:  err.Error(),
					Severity: "error",
				})
			}
		}
	}

	seen := make(map[engine.TaskID]string)
	checkUnique := func(path string, t engine.TaskDescriptor) {
		if prev, dup := seen[t.ID()]; dup {
			errs = append(errs, ValidationError{
				Path:     path,
				Message:  fmt.Sprintf("duplicate task %s (also declared at %s)", t.ID(), prev),
				Severity: "error",
			})
			return
		}
		seen[t.ID()] = path
	}

	for i, t := range m.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		checkTask(path, t)
		checkUnique(path, t)
	}
	groups := make(map[string]bool)
	for i, g := range m.Groups {
		if groups[g.ID] {
			errs = append(errs, ValidationError{
				Path:     fmt.Sprintf("groups[%d]", i),
				Message:  fmt.Sprintf("duplicate group %s", g.ID),
				Severity: "error",
			})
		}
		groups[g.ID] = true
		for j, ref := range g.Requires {
			if err := ref.Validate(); err != nil {
				errs = append(errs, ValidationError{
					Path:     fmt.Sprintf("groups[%d].requires[%d]", i, j),
					Message:  err.Error(),
					Severity: "error",
				})
			}
		}
		for j, t := range g.Tasks {
			path := fmt.Sprintf("groups[%d].tasks[%d]", i, j)
			checkTask(path, t)
			checkUnique(path, t)
		}
	}

	return errs
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

func baseDir(source string) string {
	if info, err := os.Stat(source); err == nil && info.IsDir() {
		return source
	}
	return filepath.Dir(source)
}
