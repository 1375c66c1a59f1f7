package tooldispatch

import (
	"context"
	"encoding/json"

	"github.com/zhanglunet/agentsociety/internal/artifactstore"
	"github.com/zhanglunet/agentsociety/internal/bus"
	"github.com/zhanglunet/agentsociety/internal/conversation"
	"github.com/zhanglunet/agentsociety/internal/org"
	"github.com/zhanglunet/agentsociety/pkg/models"
)

// groupCore is the toolGroup carried by every built-in organizational/
// messaging/artifact tool. Roles deny it explicitly via toolGroups to
// restrict an agent to a narrower tool surface; by default (nil
// toolGroups) everything is allowed.
const groupCore = "core"

func registerBuiltins(d *Dispatcher, orgRegistry *org.Registry, convMgr *conversation.Manager, messageBus *bus.Bus, artifacts artifactstore.Store) {
	mustRegister(d, "find_role_by_name", groupCore, "Look up a role definition by its unique name.",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
			"required":   []any{"name"},
		},
		func(_ context.Context, _ CallContext, args json.RawMessage) Result {
			var in struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return errResult(err)
			}
			role, ok := orgRegistry.FindRoleByName(in.Name)
			if !ok {
				return jsonResult(nil)
			}
			return jsonResult(role)
		})

	mustRegister(d, "create_role", groupCore, "Create (or idempotently fetch) a role by name.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":         map[string]any{"type": "string"},
				"rolePrompt":   map[string]any{"type": "string"},
				"llmServiceId": map[string]any{"type": "string"},
				"toolGroups":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []any{"name", "rolePrompt"},
		},
		func(_ context.Context, call CallContext, args json.RawMessage) Result {
			var in struct {
				Name         string   `json:"name"`
				RolePrompt   string   `json:"rolePrompt"`
				LLMServiceID string   `json:"llmServiceId"`
				ToolGroups   []string `json:"toolGroups"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return errResult(err)
			}
			role, err := orgRegistry.CreateRole(in.Name, in.RolePrompt, in.LLMServiceID, in.ToolGroups, call.AgentID)
			if err != nil {
				return errResult(err)
			}
			return jsonResult(role)
		})

	mustRegister(d, "spawn_agent", groupCore, "Spawn a child agent under the given role with a task brief.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"roleId":    map[string]any{"type": "string"},
				"taskBrief": map[string]any{"type": "object"},
			},
			"required": []any{"roleId", "taskBrief"},
		},
		func(_ context.Context, call CallContext, args json.RawMessage) Result {
			var in struct {
				RoleID    string            `json:"roleId"`
				TaskBrief *models.TaskBrief `json:"taskBrief"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return errResult(err)
			}
			agent, err := orgRegistry.Spawn(call.AgentID, in.RoleID, in.TaskBrief)
			if err != nil {
				return errResult(err)
			}
			return jsonResult(map[string]any{"id": agent.ID, "roleId": agent.RoleID, "roleName": in.RoleID})
		})

	mustRegister(d, "spawn_agent_with_task", groupCore, "Spawn a child agent and atomically deliver its first message.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"roleId":         map[string]any{"type": "string"},
				"taskBrief":      map[string]any{"type": "object"},
				"initialMessage": map[string]any{"type": "object"},
			},
			"required": []any{"roleId", "taskBrief", "initialMessage"},
		},
		func(_ context.Context, call CallContext, args json.RawMessage) Result {
			var in struct {
				RoleID         string            `json:"roleId"`
				TaskBrief      *models.TaskBrief `json:"taskBrief"`
				InitialMessage map[string]any    `json:"initialMessage"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return errResult(err)
			}
			agent, err := orgRegistry.Spawn(call.AgentID, in.RoleID, in.TaskBrief)
			if err != nil {
				return errResult(err)
			}
			sendResult, err := messageBus.Send(agent.ID, call.AgentID, in.InitialMessage, call.TaskID, 0)
			if err != nil {
				return errResult(err)
			}
			return jsonResult(map[string]any{
				"id": agent.ID, "roleId": agent.RoleID, "roleName": in.RoleID,
				"messageId": sendResult.MessageID,
			})
		})

	mustRegister(d, "terminate_agent", groupCore, "Terminate a child agent, clearing its queue and conversation.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agentId": map[string]any{"type": "string"},
				"reason":  map[string]any{"type": "string"},
			},
			"required": []any{"agentId"},
		},
		func(_ context.Context, call CallContext, args json.RawMessage) Result {
			var in struct {
				AgentID string `json:"agentId"`
				Reason  string `json:"reason"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return errResult(err)
			}
			if err := orgRegistry.Terminate(call.AgentID, in.AgentID, in.Reason); err != nil {
				return errResult(err)
			}
			messageBus.DropQueue(in.AgentID)
			_ = convMgr.Drop(in.AgentID)
			return jsonResult(map[string]any{"ok": true, "terminatedAgentId": in.AgentID})
		})

	mustRegister(d, "send_message", groupCore, "Send a message to another agent, optionally delayed.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to":       map[string]any{"type": "string"},
				"payload":  map[string]any{"type": "object"},
				"delayMs":  map[string]any{"type": "integer"},
			},
			"required": []any{"to", "payload"},
		},
		func(_ context.Context, call CallContext, args json.RawMessage) Result {
			var in struct {
				To      string         `json:"to"`
				Payload map[string]any `json:"payload"`
				DelayMs int64          `json:"delayMs"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return errResult(err)
			}
			sendResult, err := messageBus.Send(in.To, call.AgentID, in.Payload, call.TaskID, in.DelayMs)
			if err != nil {
				return errResult(err)
			}
			out := map[string]any{"messageId": sendResult.MessageID}
			if !sendResult.ScheduledDeliveryTime.IsZero() {
				out["scheduledDeliveryTime"] = sendResult.ScheduledDeliveryTime
			}
			return jsonResult(out)
		})

	mustRegister(d, "put_artifact", groupCore, "Store content in the artifact store and return its reference.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type":     map[string]any{"type": "string"},
				"content":  map[string]any{"type": "string"},
				"isBinary": map[string]any{"type": "boolean"},
				"meta":     map[string]any{"type": "object"},
			},
			"required": []any{"type", "content"},
		},
		func(_ context.Context, _ CallContext, args json.RawMessage) Result {
			var in struct {
				Type     string         `json:"type"`
				Content  string         `json:"content"`
				IsBinary bool           `json:"isBinary"`
				Meta     map[string]any `json:"meta"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return errResult(err)
			}
			ref, err := artifacts.PutArtifact(in.Type, []byte(in.Content), in.IsBinary, in.Meta)
			if err != nil {
				return errResult(err)
			}
			return jsonResult(ref)
		})

	mustRegister(d, "get_artifact", groupCore, "Fetch a previously stored artifact by reference.",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"ref": map[string]any{"type": "string"}},
			"required":   []any{"ref"},
		},
		func(_ context.Context, _ CallContext, args json.RawMessage) Result {
			var in struct {
				Ref string `json:"ref"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return errResult(err)
			}
			art, err := artifacts.GetArtifact(in.Ref)
			if err != nil {
				return errResult(err)
			}
			return jsonResult(art)
		})

	mustRegister(d, "compress_context", groupCore, "Compress the calling agent's conversation history, preserving the system entry and a recent tail.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary":         map[string]any{"type": "string"},
				"keepRecentCount": map[string]any{"type": "integer"},
			},
			"required": []any{"summary"},
		},
		func(_ context.Context, call CallContext, args json.RawMessage) Result {
			var in struct {
				Summary         string `json:"summary"`
				KeepRecentCount int    `json:"keepRecentCount"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return errResult(err)
			}
			if in.KeepRecentCount <= 0 {
				in.KeepRecentCount = 10
			}
			res := convMgr.Compress(call.AgentID, in.Summary, in.KeepRecentCount)
			return jsonResult(res)
		})

	mustRegister(d, "get_context_status", groupCore, "Report the calling agent's token usage against configured thresholds.",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(_ context.Context, call CallContext, _ json.RawMessage) Result {
			return jsonResult(convMgr.GetContextStatus(call.AgentID))
		})
}

func mustRegister(d *Dispatcher, name, group, description string, schema map[string]any, fn ToolFunc) {
	if err := d.Register(name, group, description, schema, fn); err != nil {
		panic(err)
	}
}
