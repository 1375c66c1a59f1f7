// Package tooldispatch resolves and executes tool calls against the
// built-in tool set, authorizing each call against the calling agent's
// role toolGroups. The registry is a mutex-guarded name->Tool map with
// Register/Execute, and JSON argument validation uses
// santhosh-tekuri/jsonschema/v5.
package tooldispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zhanglunet/agentsociety/internal/artifactstore"
	"github.com/zhanglunet/agentsociety/internal/audit"
	"github.com/zhanglunet/agentsociety/internal/bus"
	"github.com/zhanglunet/agentsociety/internal/conversation"
	"github.com/zhanglunet/agentsociety/internal/observability"
	"github.com/zhanglunet/agentsociety/internal/org"
	"github.com/zhanglunet/agentsociety/pkg/models"
)

// CallContext carries the calling agent's identity into a tool
// implementation.
type CallContext struct {
	AgentID string
	TaskID  string
}

// Result is the outcome of one tool invocation, serialized by the
// caller into a conversation "tool" entry.
type Result struct {
	Content string
	IsError bool
}

// ToolFunc implements one tool's behavior.
type ToolFunc func(ctx context.Context, call CallContext, args json.RawMessage) Result

// toolEntry pairs an implementation with its declared group (for role
// authorization) and JSON schema (for argument validation).
type toolEntry struct {
	name        string
	group       string
	description string
	schema      map[string]any
	compiled    *jsonschema.Schema
	fn          ToolFunc
}

// Dispatcher resolves tool names against the registered set, filtering
// by the calling role's toolGroups.
type Dispatcher struct {
	mu    sync.RWMutex
	tools map[string]*toolEntry
	org   *org.Registry
	log   *observability.Logger
	audit *audit.Store // optional; nil disables audit recording
}

// New constructs a Dispatcher and registers the built-in tool set, plus
// the external-collaborator tools scoped to workDir.
func New(orgRegistry *org.Registry, convMgr *conversation.Manager, messageBus *bus.Bus, artifacts artifactstore.Store, workDir string, log *observability.Logger) *Dispatcher {
	if log == nil {
		log = observability.NewNopLogger()
	}
	d := &Dispatcher{tools: make(map[string]*toolEntry), org: orgRegistry, log: log}
	registerBuiltins(d, orgRegistry, convMgr, messageBus, artifacts)
	registerExternalTools(d, workDir, log)
	return d
}

// SetAudit attaches an audit trail. Recording is best-effort: a failure
// to write an audit row is logged but never fails the tool call itself.
func (d *Dispatcher) SetAudit(store *audit.Store) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.audit = store
}

// Register adds or replaces a tool, compiling its schema once up front.
// New uses it for both the built-in and the external tools (run_command,
// read_file, ...).
func (d *Dispatcher) Register(name, group, description string, schema map[string]any, fn ToolFunc) error {
	var compiled *jsonschema.Schema
	if schema != nil {
		payload, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("tooldispatch: marshal schema for %s: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name+".schema.json", mustDecode(payload)); err != nil {
			return fmt.Errorf("tooldispatch: add schema resource for %s: %w", name, err)
		}
		compiled, err = c.Compile(name + ".schema.json")
		if err != nil {
			return fmt.Errorf("tooldispatch: compile schema for %s: %w", name, err)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools[name] = &toolEntry{name: name, group: group, description: description, schema: schema, compiled: compiled, fn: fn}
	return nil
}

func mustDecode(data []byte) any {
	var v any
	_ = json.Unmarshal(data, &v)
	return v
}

// ToolCatalog describes one tool for system-prompt/LLM exposure.
type ToolCatalog struct {
	Name        string
	Description string
	Schema      map[string]any
}

// CatalogForRole returns the tools a role is allowed to call: the union
// of built-in tools plus module tools whose group is allowed by the
// role's toolGroups.
func (d *Dispatcher) CatalogForRole(role *models.Role) []ToolCatalog {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ToolCatalog, 0, len(d.tools))
	for _, t := range d.tools {
		if !role.AllowsGroup(t.group) {
			continue
		}
		out = append(out, ToolCatalog{Name: t.name, Description: t.description, Schema: t.schema})
	}
	return out
}

// Execute validates args against the tool's schema, checks role
// authorization, and runs the tool. A nil role allows every group, as
// models.Role.AllowsGroup defines.
func (d *Dispatcher) Execute(ctx context.Context, call CallContext, role *models.Role, name string, args json.RawMessage) Result {
	d.mu.RLock()
	entry, ok := d.tools[name]
	d.mu.RUnlock()
	if !ok {
		return Result{Content: "tool not found: " + name, IsError: true}
	}
	if !role.AllowsGroup(entry.group) {
		return Result{Content: fmt.Sprintf("tool %q is not permitted for this role", name), IsError: true}
	}
	if entry.compiled != nil {
		var decoded any
		if len(args) == 0 {
			decoded = map[string]any{}
		} else if err := json.Unmarshal(args, &decoded); err != nil {
			return Result{Content: "invalid tool arguments: " + err.Error(), IsError: true}
		}
		if err := entry.compiled.Validate(decoded); err != nil {
			return Result{Content: "tool arguments failed validation: " + err.Error(), IsError: true}
		}
	}

	d.mu.RLock()
	store := d.audit
	d.mu.RUnlock()
	if store == nil {
		return entry.fn(ctx, call, args)
	}

	callID := uuid.NewString()
	if err := store.RecordCall(ctx, callID, call.AgentID, call.TaskID, name, args); err != nil {
		d.log.Warn(ctx, "audit: failed to record tool call", "agentId", call.AgentID, "tool", name, "error", err)
	}
	result := entry.fn(ctx, call, args)
	if err := store.RecordResult(ctx, callID, result.Content, result.IsError); err != nil {
		d.log.Warn(ctx, "audit: failed to record tool result", "agentId", call.AgentID, "tool", name, "error", err)
	}
	return result
}

func jsonResult(v any) Result {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{Content: "failed to encode tool result: " + err.Error(), IsError: true}
	}
	return Result{Content: string(data)}
}

func errResult(err error) Result {
	return Result{Content: err.Error(), IsError: true}
}
