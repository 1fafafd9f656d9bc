package commitsync

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTargetCreatesExactlyOneContainer(t *testing.T) {
	tasks := newFakeTasks()
	tasks.addGroup("g1", "Acme")
	resolver := NewResolver(ResolverOptions{Directory: tasks})

	first, err := resolver.ResolveTarget(context.Background(), "Acme", "widgets")
	require.NoError(t, err)
	second, err := resolver.ResolveTarget(context.Background(), "Acme", "widgets")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, tasks.createContainerCalls)
	containers, _ := tasks.ListContainers(context.Background(), "g1")
	require.Len(t, containers, 1)
	assert.Equal(t, "widgets", containers[0].Name)
}

func TestResolveTargetConcurrentCallsShareOneCreate(t *testing.T) {
	tasks := newFakeTasks()
	tasks.addGroup("g1", "Acme")
	resolver := NewResolver(ResolverOptions{Directory: tasks})

	var wg sync.WaitGroup
	ids := make([]string, 12)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = resolver.ResolveTarget(context.Background(), "acme", "widgets")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, tasks.createContainerCalls)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestResolveTargetFindsExistingContainerCaseInsensitively(t *testing.T) {
	tasks := newFakeTasks()
	tasks.addGroup("g1", "Acme")
	tasks.addContainer("g1", "f-widgets", "Widgets")
	resolver := NewResolver(ResolverOptions{Directory: tasks})

	id, err := resolver.ResolveTarget(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, "f-widgets", id)
	assert.Equal(t, 0, tasks.createContainerCalls)
}

func TestResolveTargetMissingGroupCreatesNothing(t *testing.T) {
	tasks := newFakeTasks()
	resolver := NewResolver(ResolverOptions{Directory: tasks})

	_, err := resolver.ResolveTarget(context.Background(), "Nobody", "widgets")
	require.ErrorIs(t, err, ErrResolution)
	assert.Equal(t, 0, tasks.createContainerCalls)
}

func TestResolveTargetDisableCreate(t *testing.T) {
	tasks := newFakeTasks()
	tasks.addGroup("g1", "Acme")
	resolver := NewResolver(ResolverOptions{Directory: tasks, DisableCreate: true})

	_, err := resolver.ResolveTarget(context.Background(), "Acme", "widgets")
	require.ErrorIs(t, err, ErrResolution)
	assert.Equal(t, 0, tasks.createContainerCalls)
}

func TestExplicitMappingWinsOverNames(t *testing.T) {
	tasks := newFakeTasks()
	tasks.addGroup("g1", "Acme")
	tasks.addContainer("g1", "f-by-name", "widgets")
	table, err := NewMappingTable([]Mapping{{ContainerID: "f-pinned", Owner: "acme", Repo: "widgets"}})
	require.NoError(t, err)
	resolver := NewResolver(ResolverOptions{Directory: tasks, Table: table})

	id, err := resolver.ResolveTarget(context.Background(), "Acme", "Widgets")
	require.NoError(t, err)
	assert.Equal(t, "f-pinned", id)

	ref, err := resolver.ResolveSource(context.Background(), "f-pinned")
	require.NoError(t, err)
	assert.Equal(t, RepoRef{Owner: "acme", Repo: "widgets"}, ref)
}

func TestMappingTableRejectsRebinding(t *testing.T) {
	table, err := NewMappingTable([]Mapping{{ContainerID: "f1", Owner: "acme", Repo: "widgets"}})
	require.NoError(t, err)

	require.NoError(t, table.Put(Mapping{ContainerID: "f1", Owner: "ACME", Repo: "widgets"}))
	assert.ErrorIs(t, table.Put(Mapping{ContainerID: "f2", Owner: "acme", Repo: "widgets"}), ErrInvalidInput)
	assert.ErrorIs(t, table.Put(Mapping{ContainerID: "f1", Owner: "acme", Repo: "gadgets"}), ErrInvalidInput)
	assert.ErrorIs(t, table.Put(Mapping{ContainerID: "", Owner: "acme", Repo: "gadgets"}), ErrInvalidInput)
	assert.Len(t, table.Entries(), 1)
}

func TestResolveSourceUsesParentGroup(t *testing.T) {
	tasks := newFakeTasks()
	tasks.addGroup("g1", "Acme")
	tasks.addContainer("g1", "f1", "widgets")
	resolver := NewResolver(ResolverOptions{Directory: tasks})

	ref, err := resolver.ResolveSource(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, RepoRef{Owner: "Acme", Repo: "widgets"}, ref)

	id, ok := resolver.Table().Container(RepoRef{Owner: "acme", Repo: "widgets"})
	assert.True(t, ok)
	assert.Equal(t, "f1", id)
}

func TestResolveSourceWithoutParentGroupIsUnmapped(t *testing.T) {
	tasks := newFakeTasks()
	tasks.addContainer("", "orphan", "Tasks")
	resolver := NewResolver(ResolverOptions{Directory: tasks})

	_, err := resolver.ResolveSource(context.Background(), "orphan")
	assert.ErrorIs(t, err, ErrResolution)
}
