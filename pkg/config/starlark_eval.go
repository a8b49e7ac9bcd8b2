package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// Constructors of the values producer builtins return. A producer's result
// list may only contain task and group values.
const (
	ctorTask  = starlark.String("task")
	ctorGroup = starlark.String("group")
	ctorRef   = starlark.String("ref")
)

// StarlarkEvaluator runs Starlark change producers.
//
// A producer is a script with predeclared task(), group(), ref_task(),
// ref_group() and ref_item() builtins and a read-only model dict. It either
// defines produce(model) returning a list of tasks and groups, or assigns
// that list to a global named changes:
//
//	def produce(model):
//	    out = []
//	    for name in model["services"]:
//	        out.append(task("n1", "Config", name, command = "systemctl restart " + name))
//	    return out
type StarlarkEvaluator struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration, logger zerolog.Logger) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
		logger:  logger,
	}
}

// RunFile runs the producer script at path.
func (se *StarlarkEvaluator) RunFile(ctx context.Context, path string, model map[string]interface{}) (*ProducerResult, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read producer %s: %w", path, err)
	}
	return se.Run(ctx, filepath.Base(path), string(src), model)
}

// Run executes a producer script. Execution is cancelled when ctx is done
// or the evaluator's timeout elapses.
func (se *StarlarkEvaluator) Run(ctx context.Context, name, script string, model map[string]interface{}) (*ProducerResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.Debug().Str("producer", name).Msg(msg)
		},
	}

	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
	})
	defer stop()

	modelVal, err := toStarlarkValue(model)
	if err != nil {
		return nil, fmt.Errorf("failed to convert model: %w", err)
	}
	if d, ok := modelVal.(*starlark.Dict); ok {
		d.Freeze()
	}

	predeclared := starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"model":     modelVal,
		"task":      starlark.NewBuiltin("task", builtinTask),
		"group":     starlark.NewBuiltin("group", builtinGroup),
		"ref_task":  starlark.NewBuiltin("ref_task", builtinRefTask),
		"ref_group": starlark.NewBuiltin("ref_group", builtinRefGroup),
		"ref_item":  starlark.NewBuiltin("ref_item", builtinRefItem),
	}

	globals, err := starlark.ExecFile(thread, name, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("producer %s failed: %w", name, err)
	}

	var changes starlark.Value
	if produce, ok := globals["produce"].(starlark.Callable); ok {
		changes, err = starlark.Call(thread, produce, starlark.Tuple{modelVal}, nil)
		if err != nil {
			return nil, fmt.Errorf("producer %s failed: %w", name, err)
		}
	} else if v, ok := globals["changes"]; ok {
		changes = v
	} else {
		return nil, fmt.Errorf("producer %s defines neither produce(model) nor changes", name)
	}

	result, err := decodeChanges(changes)
	if err != nil {
		return nil, fmt.Errorf("producer %s: %w", name, err)
	}
	result.Script = name
	result.ExecutionTime = time.Since(startTime)

	se.logger.Debug().
		Str("producer", name).
		Int("tasks", len(result.Tasks)).
		Int("groups", len(result.Groups)).
		Dur("duration", result.ExecutionTime).
		Msg("Producer evaluated")

	return result, nil
}

func decodeChanges(v starlark.Value) (*ProducerResult, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok || v == starlark.None {
		return nil, fmt.Errorf("expected a list of tasks and groups, got %s", v.Type())
	}

	result := &ProducerResult{}
	iter := iterable.Iterate()
	defer iter.Done()

	var x starlark.Value
	for i := 0; iter.Next(&x); i++ {
		s, ok := x.(*starlarkstruct.Struct)
		if !ok {
			return nil, fmt.Errorf("changes[%d]: expected task or group, got %s", i, x.Type())
		}
		switch s.Constructor() {
		case ctorTask:
			t, err := structToTask(s)
			if err != nil {
				return nil, fmt.Errorf("changes[%d]: %w", i, err)
			}
			result.Tasks = append(result.Tasks, t)
		case ctorGroup:
			g, err := structToGroup(s)
			if err != nil {
				return nil, fmt.Errorf("changes[%d]: %w", i, err)
			}
			result.Groups = append(result.Groups, g)
		default:
			return nil, fmt.Errorf("changes[%d]: expected task or group, got %s", i, s.Constructor())
		}
	}
	return result, nil
}

// Builtins

func builtinTask(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var node, callType, callID string
	var description, kind, item, command, payload string
	var requires *starlark.List

	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"node", &node,
		"call_type", &callType,
		"call_id", &callID,
		"description?", &description,
		"kind?", &kind,
		"item?", &item,
		"command?", &command,
		"payload?", &payload,
		"requires?", &requires,
	); err != nil {
		return nil, err
	}

	if kind != "" {
		if err := engine.TaskKind(kind).Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	if err := checkRefs(b.Name(), requires); err != nil {
		return nil, err
	}

	return starlarkstruct.FromStringDict(ctorTask, starlark.StringDict{
		"node":        starlark.String(node),
		"call_type":   starlark.String(callType),
		"call_id":     starlark.String(callID),
		"description": starlark.String(description),
		"kind":        starlark.String(kind),
		"item":        starlark.String(item),
		"command":     starlark.String(command),
		"payload":     starlark.String(payload),
		"requires":    listOrEmpty(requires),
	}), nil
}

func builtinGroup(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	var tasks *starlark.List
	var requires *starlark.List

	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"id", &id,
		"tasks", &tasks,
		"requires?", &requires,
	); err != nil {
		return nil, err
	}

	if tasks.Len() == 0 {
		return nil, fmt.Errorf("%s: group %s has no tasks", b.Name(), id)
	}
	for i := 0; i < tasks.Len(); i++ {
		s, ok := tasks.Index(i).(*starlarkstruct.Struct)
		if !ok || s.Constructor() != ctorTask {
			return nil, fmt.Errorf("%s: tasks[%d] is not a task", b.Name(), i)
		}
	}
	if err := checkRefs(b.Name(), requires); err != nil {
		return nil, err
	}

	return starlarkstruct.FromStringDict(ctorGroup, starlark.StringDict{
		"id":       starlark.String(id),
		"tasks":    tasks,
		"requires": listOrEmpty(requires),
	}), nil
}

func builtinRefTask(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var callType, callID string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "call_type", &callType, "call_id", &callID); err != nil {
		return nil, err
	}
	return refValue(engine.TaskRef(callType, callID))
}

func builtinRefGroup(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
		return nil, err
	}
	return refValue(engine.GroupRef(id))
}

func builtinRefItem(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	return refValue(engine.ItemRef(path))
}

func refValue(ref engine.DependencyRef) (starlark.Value, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return starlarkstruct.FromStringDict(ctorRef, starlark.StringDict{
		"kind":      starlark.String(ref.Kind),
		"call_type": starlark.String(ref.CallType),
		"call_id":   starlark.String(ref.CallID),
		"group":     starlark.String(ref.Group),
		"item":      starlark.String(ref.Item),
	}), nil
}

func checkRefs(fn string, requires *starlark.List) error {
	if requires == nil {
		return nil
	}
	for i := 0; i < requires.Len(); i++ {
		s, ok := requires.Index(i).(*starlarkstruct.Struct)
		if !ok || s.Constructor() != ctorRef {
			return fmt.Errorf("%s: requires[%d] is not a reference (use ref_task, ref_group or ref_item)", fn, i)
		}
	}
	return nil
}

func listOrEmpty(l *starlark.List) *starlark.List {
	if l == nil {
		return starlark.NewList(nil)
	}
	return l
}

// Conversion from builtin structs

func structToTask(s *starlarkstruct.Struct) (engine.TaskDescriptor, error) {
	t := engine.TaskDescriptor{
		Node:        attrString(s, "node"),
		CallType:    attrString(s, "call_type"),
		CallID:      attrString(s, "call_id"),
		Description: attrString(s, "description"),
		Kind:        engine.TaskKind(attrString(s, "kind")),
		Item:        attrString(s, "item"),
		Command:     attrString(s, "command"),
		Payload:     attrString(s, "payload"),
	}
	if t.Node == "" || t.CallType == "" || t.CallID == "" {
		return t, fmt.Errorf("task requires node, call_type and call_id")
	}
	refs, err := attrRefs(s)
	if err != nil {
		return t, fmt.Errorf("task %s: %w", t.ID(), err)
	}
	t.Requires = refs
	return t, nil
}

func structToGroup(s *starlarkstruct.Struct) (engine.OrderedGroup, error) {
	g := engine.OrderedGroup{ID: attrString(s, "id")}
	if g.ID == "" {
		return g, fmt.Errorf("group requires an id")
	}

	refs, err := attrRefs(s)
	if err != nil {
		return g, fmt.Errorf("group %s: %w", g.ID, err)
	}
	g.Requires = refs

	v, _ := s.Attr("tasks")
	tasks, _ := v.(*starlark.List)
	if tasks == nil {
		return g, fmt.Errorf("group %s has no tasks", g.ID)
	}
	for i := 0; i < tasks.Len(); i++ {
		ts, _ := tasks.Index(i).(*starlarkstruct.Struct)
		if ts == nil {
			return g, fmt.Errorf("group %s: tasks[%d] is not a task", g.ID, i)
		}
		t, err := structToTask(ts)
		if err != nil {
			return g, fmt.Errorf("group %s: %w", g.ID, err)
		}
		g.Tasks = append(g.Tasks, t)
	}
	return g, nil
}

func attrString(s *starlarkstruct.Struct, name string) string {
	v, err := s.Attr(name)
	if err != nil {
		return ""
	}
	str, _ := starlark.AsString(v)
	return str
}

func attrRefs(s *starlarkstruct.Struct) ([]engine.DependencyRef, error) {
	v, err := s.Attr("requires")
	if err != nil {
		return nil, nil
	}
	list, _ := v.(*starlark.List)
	if list == nil {
		return nil, nil
	}

	var refs []engine.DependencyRef
	for i := 0; i < list.Len(); i++ {
		rs, _ := list.Index(i).(*starlarkstruct.Struct)
		if rs == nil || rs.Constructor() != ctorRef {
			return nil, fmt.Errorf("requires[%d] is not a reference", i)
		}
		refs = append(refs, engine.DependencyRef{
			Kind:     engine.RefKind(attrString(rs, "kind")),
			CallType: attrString(rs, "call_type"),
			CallID:   attrString(rs, "call_id"),
			Group:    attrString(rs, "group"),
			Item:     attrString(rs, "item"),
		})
	}
	return refs, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
