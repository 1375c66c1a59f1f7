package org

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agentsociety/pkg/models"
)

func validBrief(objective string) *models.TaskBrief {
	return &models.TaskBrief{
		Objective:          objective,
		Constraints:        []string{},
		Inputs:             map[string]any{},
		Outputs:            map[string]any{},
		CompletionCriteria: map[string]any{},
	}
}

func TestLoadBootstrapsRootAndUser(t *testing.T) {
	r := New(t.TempDir(), nil)
	require.NoError(t, r.Load())

	root, ok := r.Agent(models.RootAgentID)
	require.True(t, ok)
	require.Equal(t, models.AgentActive, root.Status)

	_, ok = r.Agent(models.UserAgentID)
	require.True(t, ok)
}

func TestCreateRoleIsIdempotentOnName(t *testing.T) {
	r := New(t.TempDir(), nil)
	require.NoError(t, r.Load())

	first, err := r.CreateRole("engineer", "prompt", "", nil, models.RootAgentID)
	require.NoError(t, err)

	second, err := r.CreateRole("engineer", "other prompt", "", nil, models.RootAgentID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "prompt", second.RolePrompt)
}

func TestSpawnRegistersContactsBothWays(t *testing.T) {
	r := New(t.TempDir(), nil)
	require.NoError(t, r.Load())

	role, err := r.CreateRole("engineer", "prompt", "", nil, models.RootAgentID)
	require.NoError(t, err)

	child, err := r.Spawn(models.RootAgentID, role.ID, validBrief("build a thing"))
	require.NoError(t, err)
	require.Equal(t, models.RootAgentID, child.ParentAgentID)

	rootContacts := r.Contacts(models.RootAgentID)
	require.Len(t, rootContacts, 1)
	require.Equal(t, child.ID, rootContacts[0].ID)

	childContacts := r.Contacts(child.ID)
	require.Len(t, childContacts, 1)
	require.Equal(t, models.RootAgentID, childContacts[0].ID)
}

func TestSpawnSeedsPresetCollaboratorContactsBothWays(t *testing.T) {
	r := New(t.TempDir(), nil)
	require.NoError(t, r.Load())

	role, err := r.CreateRole("engineer", "prompt", "", nil, models.RootAgentID)
	require.NoError(t, err)

	first, err := r.Spawn(models.RootAgentID, role.ID, validBrief("build a thing"))
	require.NoError(t, err)

	brief := validBrief("review the thing")
	brief.Collaborators = []string{first.ID}
	second, err := r.Spawn(models.RootAgentID, role.ID, brief)
	require.NoError(t, err)

	secondContacts := r.Contacts(second.ID)
	var foundOnSecond bool
	for _, c := range secondContacts {
		if c.ID == first.ID {
			require.Equal(t, models.ContactPreset, c.Source)
			foundOnSecond = true
		}
	}
	require.True(t, foundOnSecond, "spawned agent should have a preset contact for its collaborator")

	firstContacts := r.Contacts(first.ID)
	var foundOnFirst bool
	for _, c := range firstContacts {
		if c.ID == second.ID {
			require.Equal(t, models.ContactPreset, c.Source)
			foundOnFirst = true
		}
	}
	require.True(t, foundOnFirst, "collaborator should have a preset contact back to the spawned agent")
}

func TestSpawnRejectsInvalidBrief(t *testing.T) {
	r := New(t.TempDir(), nil)
	require.NoError(t, r.Load())

	role, err := r.CreateRole("engineer", "prompt", "", nil, models.RootAgentID)
	require.NoError(t, err)

	_, err = r.Spawn(models.RootAgentID, role.ID, &models.TaskBrief{})
	require.Error(t, err)
}

func TestSpawnRejectsUnknownRole(t *testing.T) {
	r := New(t.TempDir(), nil)
	require.NoError(t, r.Load())

	_, err := r.Spawn(models.RootAgentID, "no-such-role", validBrief("x"))
	require.Error(t, err)
}

func TestSpawnRejectsInactiveParent(t *testing.T) {
	r := New(t.TempDir(), nil)
	require.NoError(t, r.Load())

	role, err := r.CreateRole("engineer", "prompt", "", nil, models.RootAgentID)
	require.NoError(t, err)

	_, err = r.Spawn("no-such-parent", role.ID, validBrief("x"))
	require.Error(t, err)
}

func TestTerminateOnlyByParentOrSelf(t *testing.T) {
	r := New(t.TempDir(), nil)
	require.NoError(t, r.Load())

	role, err := r.CreateRole("engineer", "prompt", "", nil, models.RootAgentID)
	require.NoError(t, err)

	child, err := r.Spawn(models.RootAgentID, role.ID, validBrief("x"))
	require.NoError(t, err)

	grandchild, err := r.Spawn(child.ID, role.ID, validBrief("y"))
	require.NoError(t, err)

	err = r.Terminate(models.RootAgentID, grandchild.ID, "not a child of root")
	require.Error(t, err)

	err = r.Terminate(child.ID, grandchild.ID, "cleanup")
	require.NoError(t, err)

	got, ok := r.Agent(grandchild.ID)
	require.True(t, ok)
	require.Equal(t, models.AgentTerminated, got.Status)
	require.False(t, r.IsActive(grandchild.ID))
}

func TestTerminateIsIdempotent(t *testing.T) {
	r := New(t.TempDir(), nil)
	require.NoError(t, r.Load())

	role, err := r.CreateRole("engineer", "prompt", "", nil, models.RootAgentID)
	require.NoError(t, err)
	child, err := r.Spawn(models.RootAgentID, role.ID, validBrief("x"))
	require.NoError(t, err)

	require.NoError(t, r.Terminate(models.RootAgentID, child.ID, "done"))
	require.NoError(t, r.Terminate(models.RootAgentID, child.ID, "done again"))
}

func TestChildren(t *testing.T) {
	r := New(t.TempDir(), nil)
	require.NoError(t, r.Load())

	role, err := r.CreateRole("engineer", "prompt", "", nil, models.RootAgentID)
	require.NoError(t, err)

	c1, err := r.Spawn(models.RootAgentID, role.ID, validBrief("a"))
	require.NoError(t, err)
	c2, err := r.Spawn(models.RootAgentID, role.ID, validBrief("b"))
	require.NoError(t, err)

	children := r.Children(models.RootAgentID)
	require.ElementsMatch(t, []string{c1.ID, c2.ID}, children)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	r1 := New(dir, nil)
	require.NoError(t, r1.Load())
	role, err := r1.CreateRole("engineer", "prompt", "svc", []string{"core"}, models.RootAgentID)
	require.NoError(t, err)
	child, err := r1.Spawn(models.RootAgentID, role.ID, validBrief("persisted"))
	require.NoError(t, err)

	r2 := New(dir, nil)
	require.NoError(t, r2.Load())

	got, ok := r2.Agent(child.ID)
	require.True(t, ok)
	require.Equal(t, role.ID, got.RoleID)

	gotRole, ok := r2.Role(role.ID)
	require.True(t, ok)
	require.Equal(t, "engineer", gotRole.Name)

	require.Len(t, r2.Contacts(models.RootAgentID), 1)
}

func TestDropContactsRemovesFileAndEntry(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, nil)
	require.NoError(t, r.Load())

	role, err := r.CreateRole("engineer", "prompt", "", nil, models.RootAgentID)
	require.NoError(t, err)
	child, err := r.Spawn(models.RootAgentID, role.ID, validBrief("x"))
	require.NoError(t, err)
	require.NoError(t, r.Terminate(models.RootAgentID, child.ID, "done"))

	require.NoError(t, r.DropContacts(child.ID))
	require.Empty(t, r.Contacts(child.ID))

	// Dropping again is a no-op, not an error.
	require.NoError(t, r.DropContacts(child.ID))
}

func TestAllAgentsAndAllRoles(t *testing.T) {
	r := New(t.TempDir(), nil)
	require.NoError(t, r.Load())

	role, err := r.CreateRole("engineer", "prompt", "", nil, models.RootAgentID)
	require.NoError(t, err)
	_, err = r.Spawn(models.RootAgentID, role.ID, validBrief("x"))
	require.NoError(t, err)

	agents := r.AllAgents()
	require.GreaterOrEqual(t, len(agents), 3) // root, user, spawned child

	roles := r.AllRoles()
	require.Len(t, roles, 2) // bootstrap "root" role + "engineer"
}
