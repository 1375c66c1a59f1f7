// Package org owns the role/agent/contact registries: spawn and terminate
// lifecycle, name/role lookups, and the org.json + contacts/<agentId>.json
// persistence files. The atomic write pattern (marshal indent, write to a
// ".tmp" sibling, rename into place) and the tolerant-read-on-malformed-
// file behavior follow the same store idiom used across this runtime.
package org

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhanglunet/agentsociety/internal/kernelerr"
	"github.com/zhanglunet/agentsociety/internal/observability"
	"github.com/zhanglunet/agentsociety/pkg/models"
)

// orgFile is the persisted shape of org.json.
type orgFile struct {
	Version int            `json:"version"`
	Roles   []*models.Role  `json:"roles"`
	Agents  []*models.Agent `json:"agents"`
}

// contactsFile is the persisted shape of contacts/<agentId>.json.
type contactsFile struct {
	Version  int               `json:"version"`
	Contacts []*models.Contact `json:"contacts"`
}

// Registry holds the in-memory org graph and mirrors it to disk. All
// mutating methods take the internal lock; callers must never hold it
// across an LLM or tool call.
type Registry struct {
	mu         sync.RWMutex
	runtimeDir string
	log        *observability.Logger

	roles    map[string]*models.Role  // by id
	rolesByName map[string]*models.Role
	agents   map[string]*models.Agent // by id
	contacts map[string][]*models.Contact // by agent id
}

// New constructs an empty Registry rooted at runtimeDir. Call Load to
// hydrate it from disk before use.
func New(runtimeDir string, log *observability.Logger) *Registry {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Registry{
		runtimeDir:  runtimeDir,
		log:         log,
		roles:       make(map[string]*models.Role),
		rolesByName: make(map[string]*models.Role),
		agents:      make(map[string]*models.Agent),
		contacts:    make(map[string][]*models.Contact),
	}
}

func (r *Registry) orgPath() string {
	return filepath.Join(r.runtimeDir, "org.json")
}

func (r *Registry) contactsPath(agentID string) string {
	return filepath.Join(r.runtimeDir, "contacts", agentID+".json")
}

// Load hydrates the registry from org.json and the contacts directory. A
// missing org.json is not an error (fresh runtime dir); a malformed one is
// logged and treated as empty.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.orgPath())
	if err != nil {
		if os.IsNotExist(err) {
			return r.bootstrapLocked()
		}
		return kernelerr.Wrap(kernelerr.PersistenceError, err)
	}

	var f orgFile
	if err := json.Unmarshal(data, &f); err != nil {
		r.log.Warn(context.Background(), "org.json is malformed, starting from an empty registry", "error", err.Error())
		return r.bootstrapLocked()
	}

	for _, role := range f.Roles {
		r.roles[role.ID] = role
		r.rolesByName[role.Name] = role
	}
	for _, agent := range f.Agents {
		if _, ok := r.roles[agent.RoleID]; !ok && agent.ID != models.UserAgentID {
			r.log.Warn(context.Background(), "agent references unknown role, marking terminated", "agent_id", agent.ID, "role_id", agent.RoleID)
			agent.Status = models.AgentTerminated
		}
		r.agents[agent.ID] = agent
	}

	entries, err := os.ReadDir(filepath.Join(r.runtimeDir, "contacts"))
	if err == nil {
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			agentID := ent.Name()
			if filepath.Ext(agentID) == ".json" {
				agentID = agentID[:len(agentID)-len(".json")]
			}
			contacts, err := r.readContactsLocked(agentID)
			if err != nil {
				r.log.Warn(context.Background(), "contacts file is malformed, skipping", "agent_id", agentID, "error", err.Error())
				continue
			}
			r.contacts[agentID] = contacts
		}
	}

	if len(r.agents) == 0 {
		return r.bootstrapLocked()
	}
	return nil
}

// bootstrapLocked creates the root role/agent and the user agent if the
// registry is otherwise empty.
func (r *Registry) bootstrapLocked() error {
	if _, ok := r.agents[models.RootAgentID]; !ok {
		rootRole := &models.Role{
			ID:         uuid.NewString(),
			Name:       "root",
			RolePrompt: "You are the root agent, coordinating the organization.",
			CreatedAt:  time.Now().UTC(),
		}
		r.roles[rootRole.ID] = rootRole
		r.rolesByName[rootRole.Name] = rootRole

		r.agents[models.RootAgentID] = &models.Agent{
			ID:        models.RootAgentID,
			RoleID:    rootRole.ID,
			CreatedAt: time.Now().UTC(),
			Status:    models.AgentActive,
		}
	}
	if _, ok := r.agents[models.UserAgentID]; !ok {
		r.agents[models.UserAgentID] = &models.Agent{
			ID:        models.UserAgentID,
			CreatedAt: time.Now().UTC(),
			Status:    models.AgentActive,
		}
	}
	return r.persistLocked()
}

func (r *Registry) readContactsLocked(agentID string) ([]*models.Contact, error) {
	data, err := os.ReadFile(r.contactsPath(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var f contactsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.Contacts, nil
}

// writeJSONAtomic marshals v and writes it to path via a temp-file-then-
// rename, so readers never observe a partially-written file.
func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// persistLocked writes org.json. Caller must hold r.mu.
func (r *Registry) persistLocked() error {
	f := orgFile{Version: 1}
	for _, role := range r.roles {
		f.Roles = append(f.Roles, role)
	}
	for _, agent := range r.agents {
		f.Agents = append(f.Agents, agent)
	}
	if err := writeJSONAtomic(r.orgPath(), f); err != nil {
		return kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	return nil
}

// persistContactsLocked writes contacts/<agentId>.json. Caller must hold r.mu.
func (r *Registry) persistContactsLocked(agentID string) error {
	f := contactsFile{Version: 1, Contacts: r.contacts[agentID]}
	if err := writeJSONAtomic(r.contactsPath(agentID), f); err != nil {
		return kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	return nil
}

// CreateRole registers a new role, or returns the existing one if name is
// already taken: create_role is idempotent on name.
func (r *Registry) CreateRole(name, rolePrompt, llmServiceID string, toolGroups []string, createdBy string) (*models.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.rolesByName[name]; exists {
		return existing, nil
	}
	role := &models.Role{
		ID:           uuid.NewString(),
		Name:         name,
		RolePrompt:   rolePrompt,
		LLMServiceID: llmServiceID,
		ToolGroups:   toolGroups,
		CreatedBy:    createdBy,
		CreatedAt:    time.Now().UTC(),
	}
	r.roles[role.ID] = role
	r.rolesByName[role.Name] = role
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	return role, nil
}

// FindRoleByName returns the role with the given name, if any.
func (r *Registry) FindRoleByName(name string) (*models.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.rolesByName[name]
	return role, ok
}

// Role returns the role with the given id.
func (r *Registry) Role(id string) (*models.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[id]
	return role, ok
}

// Agent returns the agent with the given id.
func (r *Registry) Agent(id string) (*models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	return agent, ok
}

// Spawn creates a new agent under parentID with the given role and task
// brief, validating the brief and registering the parent's contact
// entry (source=parent).
func (r *Registry) Spawn(parentID, roleID string, brief *models.TaskBrief) (*models.Agent, error) {
	if err := brief.Validate(); err != nil {
		return nil, kernelerr.Wrap(kernelerr.InvalidTaskBrief, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.agents[parentID]
	if !ok || parent.Status != models.AgentActive {
		return nil, kernelerr.New(kernelerr.InvalidParent, fmt.Sprintf("parent agent %q is not active", parentID))
	}
	role, ok := r.roles[roleID]
	if !ok {
		return nil, kernelerr.New(kernelerr.RoleNotFound, roleID)
	}

	agent := &models.Agent{
		ID:            uuid.NewString(),
		RoleID:        role.ID,
		ParentAgentID: parentID,
		CreatedAt:     time.Now().UTC(),
		Status:        models.AgentActive,
		TaskBrief:     brief,
	}
	r.agents[agent.ID] = agent

	r.contacts[parentID] = append(r.contacts[parentID], &models.Contact{
		ID: agent.ID, Role: role.Name, Source: models.ContactSystem, AddedAt: time.Now().UTC(),
	})
	r.contacts[agent.ID] = append(r.contacts[agent.ID], &models.Contact{
		ID: parentID, Role: r.roleNameLocked(parent.RoleID), Source: models.ContactParent, AddedAt: time.Now().UTC(),
	})

	touchedCollaborators := make([]string, 0, len(brief.Collaborators))
	for _, collabID := range brief.Collaborators {
		if collabID == "" || collabID == parentID {
			continue
		}
		collaborator, ok := r.agents[collabID]
		if !ok {
			continue
		}
		r.contacts[agent.ID] = append(r.contacts[agent.ID], &models.Contact{
			ID: collabID, Role: r.roleNameLocked(collaborator.RoleID), Source: models.ContactPreset, AddedAt: time.Now().UTC(),
		})
		r.contacts[collabID] = append(r.contacts[collabID], &models.Contact{
			ID: agent.ID, Role: role.Name, Source: models.ContactPreset, AddedAt: time.Now().UTC(),
		})
		touchedCollaborators = append(touchedCollaborators, collabID)
	}

	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	if err := r.persistContactsLocked(parentID); err != nil {
		return nil, err
	}
	if err := r.persistContactsLocked(agent.ID); err != nil {
		return nil, err
	}
	for _, collabID := range touchedCollaborators {
		if err := r.persistContactsLocked(collabID); err != nil {
			return nil, err
		}
	}
	return agent, nil
}

func (r *Registry) roleNameLocked(roleID string) string {
	if role, ok := r.roles[roleID]; ok {
		return role.Name
	}
	return ""
}

// Terminate marks an agent terminated. Only the agent's direct parent (or
// the agent itself) may terminate it.
func (r *Registry) Terminate(requesterID, targetID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.agents[targetID]
	if !ok {
		return kernelerr.New(kernelerr.AgentNotFound, targetID)
	}
	if requesterID != targetID && target.ParentAgentID != requesterID {
		return kernelerr.New(kernelerr.NotChildAgent, fmt.Sprintf("%q is not a child of %q", targetID, requesterID))
	}
	if target.Status == models.AgentTerminated {
		return nil
	}
	target.Status = models.AgentTerminated
	target.TerminatedAt = time.Now().UTC()
	target.TerminatedBy = requesterID
	target.TerminationMsg = reason
	return r.persistLocked()
}

// Children returns the ids of all agents whose ParentAgentID == agentID.
func (r *Registry) Children(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, a := range r.agents {
		if a.ParentAgentID == agentID {
			ids = append(ids, id)
		}
	}
	return ids
}

// AddContact introduces a contact to an agent, e.g. when one child is
// introduced to another via the parent (source=introduction).
func (r *Registry) AddContact(agentID string, contact *models.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts[agentID] {
		if c.ID == contact.ID {
			return nil
		}
	}
	r.contacts[agentID] = append(r.contacts[agentID], contact)
	return r.persistContactsLocked(agentID)
}

// Contacts returns the contact list for an agent.
func (r *Registry) Contacts(agentID string) []*models.Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Contact, len(r.contacts[agentID]))
	copy(out, r.contacts[agentID])
	return out
}

// IsActive reports whether the agent exists and is active.
func (r *Registry) IsActive(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return ok && a.Status == models.AgentActive
}

// AllAgents returns every known agent, active or terminated, for
// overview/inspection surfaces (the HTTP status endpoint, the snapshot
// inspection CLI).
func (r *Registry) AllAgents() []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// DropContacts removes a terminated agent's contact file and in-memory
// entry, reclaiming the bulky per-agent file while leaving the agent's
// registry entry (and audit history) intact. Mirrors conversation.Manager's
// Drop for the contacts side of a terminated agent's footprint.
func (r *Registry) DropContacts(agentID string) error {
	r.mu.Lock()
	delete(r.contacts, agentID)
	r.mu.Unlock()
	err := os.Remove(r.contactsPath(agentID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("org: removing contacts for %s: %w", agentID, err)
	}
	return nil
}

// AllRoles returns every known role.
func (r *Registry) AllRoles() []*models.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	return out
}
