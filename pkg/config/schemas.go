package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	for name, def := range builtinDefinitions {
		if err := sr.RegisterSchema(name, builtinSchema, def); err != nil {
			// The built-in source is a constant; failing here is a programming error.
			panic(err)
		}
	}

	return sr
}

var builtinDefinitions = map[string]string{
	"manifest": "#Manifest",
	"task":     "#Task",
	"group":    "#Group",
	"cluster":  "#Cluster",
	"item":     "#Item",
	"ref":      "#Ref",
}

// RegisterSchema compiles source and registers the definition def under name.
// An empty def registers the whole value.
func (sr *SchemaRegistry) RegisterSchema(name, source, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	if def != "" {
		val = val.LookupPath(cue.ParsePath(def))
		if !val.Exists() {
			return fmt.Errorf("schema %s has no definition %s", name, def)
		}
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateValue unifies a CUE value with a named schema. The value must come
// from the registry's context.
func (sr *SchemaRegistry) ValidateValue(schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if err := sr.ValidateValue(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinSchema describes change-set manifests.
const builtinSchema = `
#Name: string & =~"^[A-Za-z0-9_.:@-]+$"

// A dependency of a task or group
#Ref: {
	kind:       "task" | "group" | "item"
	call_type?: string
	call_id?:   string
	group?:     string
	item?:      string
}

#Task: {
	node:         #Name
	call_type:    #Name
	call_id:      string & !=""
	description?: string

	// Synthetic kinds (lock, unlock, cleanup) are compiler-only
	kind?:     "config" | "callback" | "removal"
	item?:     string
	command?:  string
	payload?:  string
	requires?: null | [...#Ref]
}

#Group: {
	id:        string & !=""
	requires?: null | [...#Ref]
	tasks: [#Task, ...#Task]
}

#Cluster: {
	id:               #Name
	nodes?:           null | [...#Name]
	dependency_list?: null | [...#Name]
}

#Item: {
	path:         string & !=""
	node?:        string
	for_removal?: bool
}

#Manifest: {
	clusters?:  [...#Cluster]
	items?:     [...#Item]
	tasks?:     [...#Task]
	groups?:    [...#Group]
	producers?: [...string]
	model?: {...}
}
`

// ValidateTask validates a task descriptor against the task schema.
func (sr *SchemaRegistry) ValidateTask(ctx context.Context, task interface{}) error {
	return sr.ValidateAgainstSchema(ctx, "task", task)
}

// ValidateGroup validates an ordered group against the group schema.
func (sr *SchemaRegistry) ValidateGroup(ctx context.Context, group interface{}) error {
	return sr.ValidateAgainstSchema(ctx, "group", group)
}
