package runner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// Environment variables handed to every task command.
const (
	EnvNode     = "FROYO_NODE"
	EnvCallType = "FROYO_CALL_TYPE"
	EnvCallID   = "FROYO_CALL_ID"
	EnvKind     = "FROYO_KIND"
	EnvItem     = "FROYO_ITEM"
	EnvCluster  = "FROYO_CLUSTER"
	EnvDigest   = "FROYO_DIGEST"
	EnvPayload  = "FROYO_PAYLOAD"
)

// Commands holds the node lock and unlock command templates. The {node}
// placeholder is replaced with the node name.
type Commands struct {
	Lock   string
	Unlock string
}

// Script returns the shell command for task. An empty result means the
// task has nothing to execute and succeeds as a no-op.
func (c Commands) Script(task *engine.Task) string {
	switch task.Kind {
	case engine.KindLock:
		return expand(c.Lock, task.ID.Node)
	case engine.KindUnlock:
		return expand(c.Unlock, task.ID.Node)
	default:
		return task.Command
	}
}

func expand(template, node string) string {
	return strings.ReplaceAll(template, "{node}", node)
}

// Env returns the task environment. payloadPath is empty when the task has
// no payload.
func Env(task *engine.Task, payloadPath string) map[string]string {
	env := map[string]string{
		EnvNode:     task.ID.Node,
		EnvCallType: task.ID.CallType,
		EnvCallID:   task.ID.CallID,
		EnvKind:     string(task.Kind),
		EnvDigest:   task.Digest,
	}
	if task.Item != "" {
		env[EnvItem] = task.Item
	}
	if task.Cluster != "" {
		env[EnvCluster] = task.Cluster
	}
	if payloadPath != "" {
		env[EnvPayload] = payloadPath
	}
	return env
}

// EnvList renders env as sorted KEY=value pairs.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CheckNodeName rejects node names that cannot be used as a single path
// element.
func CheckNodeName(node string) error {
	if node == "" || node == "." || strings.ContainsAny(node, `/\`) || strings.Contains(node, "..") {
		return fmt.Errorf("node name %q is not a valid path element", node)
	}
	return nil
}

// PayloadName is the file name a task payload is written to. It changes
// whenever the task content changes.
func PayloadName(task *engine.Task) string {
	digest := task.Digest
	if len(digest) > 12 {
		digest = digest[:12]
	}
	name := fmt.Sprintf("%s-%s", task.ID.CallType, task.ID.CallID)
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_")
	if digest != "" {
		name += "-" + digest
	}
	return name
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// RemoteCommand renders script as a single command line that exports env
// and runs script under shell.
func RemoteCommand(shell, script string, env map[string]string) string {
	var b strings.Builder
	b.WriteString("env")
	for _, kv := range EnvList(env) {
		b.WriteByte(' ')
		b.WriteString(Quote(kv))
	}
	b.WriteByte(' ')
	b.WriteString(shell)
	b.WriteString(" -c ")
	b.WriteString(Quote(script))
	return b.String()
}

// Tail returns the last n bytes of s without surrounding whitespace.
func Tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
