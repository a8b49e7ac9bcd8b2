package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// Format is a manifest language.
type Format string

const (
	FormatCUE Format = "cue"
	FormatHCL Format = "hcl"
)

// DetectFormat picks the manifest language from a file extension, or from
// the files a directory contains.
func DetectFormat(path string) (Format, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat manifest %s: %w", path, err)
	}

	if !info.IsDir() {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".cue":
			return FormatCUE, nil
		case ".hcl":
			return FormatHCL, nil
		default:
			return "", fmt.Errorf("unsupported manifest extension %q (want .cue or .hcl)", filepath.Ext(path))
		}
	}

	cueFiles, _ := filepath.Glob(filepath.Join(path, "*.cue"))
	hclFiles, _ := filepath.Glob(filepath.Join(path, "*.hcl"))
	switch {
	case len(cueFiles) > 0 && len(hclFiles) > 0:
		return "", fmt.Errorf("manifest directory %s mixes CUE and HCL files", path)
	case len(cueFiles) > 0:
		return FormatCUE, nil
	case len(hclFiles) > 0:
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("manifest directory %s has no .cue or .hcl files", path)
	}
}

// LoaderOptions configures a ManifestLoader.
type LoaderOptions struct {
	// Variables are HCL expression variables and the default model.
	Variables map[string]interface{}

	// ProducerTimeout bounds each Starlark producer.
	ProducerTimeout time.Duration

	Logger zerolog.Logger
}

// ManifestLoader turns a manifest path into an engine.ChangeSet.
type ManifestLoader struct {
	cue       *CUEParser
	hcl       *HCLParser
	producers *StarlarkEvaluator
	variables map[string]interface{}
	logger    zerolog.Logger
}

// NewManifestLoader creates a manifest loader.
func NewManifestLoader(opts LoaderOptions) *ManifestLoader {
	return &ManifestLoader{
		cue:       NewCUEParser(),
		hcl:       NewHCLParser(opts.Variables),
		producers: NewStarlarkEvaluator(opts.ProducerTimeout, opts.Logger),
		variables: opts.Variables,
		logger:    opts.Logger,
	}
}

// Parse parses the manifest at path without running producers.
func (ml *ManifestLoader) Parse(ctx context.Context, path string) (*ParsedManifest, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	var pm *ParsedManifest
	switch format {
	case FormatCUE:
		pm, err = ml.cue.Parse(ctx, []string{path})
	case FormatHCL:
		pm, err = ml.hcl.Parse(ctx, []string{path})
	}
	if err != nil {
		return nil, err
	}

	if pm.Manifest.Model == nil {
		pm.Manifest.Model = ml.variables
	}
	return pm, nil
}

// Load parses the manifest at path, runs its producers and returns the
// resulting change set.
func (ml *ManifestLoader) Load(ctx context.Context, path string) (*ParsedManifest, engine.ChangeSet, error) {
	pm, err := ml.Parse(ctx, path)
	if err != nil {
		return nil, engine.ChangeSet{}, err
	}
	if err := pm.Err(); err != nil {
		return pm, engine.ChangeSet{}, err
	}

	results := make([]*ProducerResult, 0, len(pm.Manifest.Producers))
	for _, script := range pm.Manifest.Producers {
		if !filepath.IsAbs(script) {
			script = filepath.Join(pm.BaseDir, script)
		}
		res, err := ml.producers.RunFile(ctx, script, pm.Manifest.Model)
		if err != nil {
			return pm, engine.ChangeSet{}, err
		}
		results = append(results, res)
	}

	cs := pm.ChangeSet(results...)

	// Producer output goes through the same checks as declared tasks.
	combined := Manifest{Tasks: cs.Tasks, Groups: cs.Groups, Clusters: cs.Clusters, Items: cs.Items}
	if errs := ValidateManifest(ml.cue.validator, &combined); len(errs) > 0 {
		pm.Errors = append(pm.Errors, errs...)
		return pm, engine.ChangeSet{}, pm.Err()
	}

	ml.logger.Debug().
		Str("manifest", path).
		Int("tasks", len(cs.Tasks)).
		Int("groups", len(cs.Groups)).
		Int("clusters", len(cs.Clusters)).
		Int("items", len(cs.Items)).
		Int("producers", len(results)).
		Msg("Manifest loaded")

	return pm, cs, nil
}
