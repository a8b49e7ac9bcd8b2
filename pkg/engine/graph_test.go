package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphBuilder_ResolvesReferences(t *testing.T) {
	cs := ChangeSet{
		Items: []Item{{Path: "/nodes/n1/items/repo", Node: "n1"}},
		Tasks: []TaskDescriptor{
			{Node: "n1", CallType: "repo", CallID: "base", Item: "/nodes/n1/items/repo"},
			cfg("n1", "httpd", "install httpd", TaskRef("repo", "base")),
			cfg("n1", "php", "install php", ItemRef("/nodes/n1/items/repo")),
			cfg("n1", "vhost", "configure vhost", GroupRef("firewall")),
		},
		Groups: []OrderedGroup{{
			ID: "firewall",
			Tasks: []TaskDescriptor{
				{Node: "n1", CallType: "fw", CallID: "flush"},
				{Node: "n1", CallType: "fw", CallID: "rules"},
			},
		}},
	}

	g, err := NewGraphBuilder().Build(cs)
	require.NoError(t, err)
	require.Equal(t, 6, g.Len())

	repo := TaskID{"n1", "repo", "base"}
	httpd, _ := g.Node(TaskID{"n1", "package", "httpd"})
	assert.Equal(t, []TaskID{repo}, httpd.Requires)

	php, _ := g.Node(TaskID{"n1", "package", "php"})
	assert.Equal(t, []TaskID{repo}, php.Requires)

	vhost, _ := g.Node(TaskID{"n1", "package", "vhost"})
	assert.Equal(t, []TaskID{{"n1", "fw", "rules"}}, vhost.Requires, "group reference resolves to the last member")

	rules, _ := g.Node(TaskID{"n1", "fw", "rules"})
	assert.Equal(t, []TaskID{{"n1", "fw", "flush"}}, rules.Requires)
	assert.Equal(t, "firewall", rules.Group)
}

func TestGraphBuilder_GroupRequiresAttachToFirstMember(t *testing.T) {
	cs := ChangeSet{
		Tasks: []TaskDescriptor{cfg("n1", "base", "base")},
		Groups: []OrderedGroup{{
			ID:       "g",
			Requires: []DependencyRef{TaskRef("package", "base")},
			Tasks:    []TaskDescriptor{cfg("n1", "a", "a"), cfg("n1", "b", "b")},
		}},
	}
	g, err := NewGraphBuilder().Build(cs)
	require.NoError(t, err)

	first, _ := g.Node(TaskID{"n1", "package", "a"})
	assert.Equal(t, []TaskID{{"n1", "package", "base"}}, first.Requires)
	second, _ := g.Node(TaskID{"n1", "package", "b"})
	assert.Equal(t, []TaskID{{"n1", "package", "a"}}, second.Requires)
}

func TestGraphBuilder_OwnItemReference(t *testing.T) {
	cs := ChangeSet{Tasks: []TaskDescriptor{
		{Node: "n1", CallType: "svc", CallID: "install", Item: "/svc"},
		{Node: "n1", CallType: "svc", CallID: "start", Item: "/svc", Requires: []DependencyRef{ItemRef("/svc")}},
	}}
	g, err := NewGraphBuilder().Build(cs)
	require.NoError(t, err)

	start, _ := g.Node(TaskID{"n1", "svc", "start"})
	assert.Equal(t, []TaskID{{"n1", "svc", "install"}}, start.Requires)
}

func TestGraphBuilder_Cycle(t *testing.T) {
	cs := ChangeSet{Tasks: []TaskDescriptor{
		cfg("n1", "a", "a", TaskRef("package", "c")),
		cfg("n1", "b", "b", TaskRef("package", "a")),
		cfg("n1", "c", "c", TaskRef("package", "b")),
	}}

	_, err := NewGraphBuilder().Build(cs)
	var cycle *CyclicDependencyError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"n1/package/a", "n1/package/b", "n1/package/c", "n1/package/a"}, cycle.Path)
	assert.Contains(t, err.Error(), "A circular dependency has been detected")
	assert.True(t, IsGraphError(err))
}

func TestGraphBuilder_SelfDependency(t *testing.T) {
	cs := ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "a", "a", TaskRef("package", "a"))}}
	_, err := NewGraphBuilder().Build(cs)
	var cycle *CyclicDependencyError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"n1/package/a", "n1/package/a"}, cycle.Path)
}

func TestGraphBuilder_OrderedGroupCycle(t *testing.T) {
	cs := ChangeSet{Groups: []OrderedGroup{{
		ID: "g",
		Tasks: []TaskDescriptor{
			cfg("n1", "first", "first", TaskRef("package", "second")),
			cfg("n1", "second", "second"),
		},
	}}}

	_, err := NewGraphBuilder().Build(cs)
	var groupErr *OrderedGroupCycleError
	require.ErrorAs(t, err, &groupErr)
	assert.Equal(t, "g", groupErr.Group)

	var cycle *CyclicDependencyError
	assert.ErrorAs(t, err, &cycle, "group cycles surface as cycle errors")
	assert.Equal(t, ErrCodeCycle, ErrorCode(err))
}

func TestGraphBuilder_CrossNode(t *testing.T) {
	tests := []struct {
		name string
		cs   ChangeSet
	}{
		{
			name: "task reference",
			cs: ChangeSet{Tasks: []TaskDescriptor{
				cfg("n1", "a", "a"),
				cfg("n2", "b", "b", TaskRef("package", "a")),
			}},
		},
		{
			name: "item reference",
			cs: ChangeSet{
				Items: []Item{{Path: "/nodes/n1/fs", Node: "n1"}},
				Tasks: []TaskDescriptor{cfg("n2", "b", "b", ItemRef("/nodes/n1/fs"))},
			},
		},
		{
			name: "group reference",
			cs: ChangeSet{
				Tasks:  []TaskDescriptor{cfg("n2", "b", "b", GroupRef("g"))},
				Groups: []OrderedGroup{{ID: "g", Tasks: []TaskDescriptor{cfg("n1", "a", "a")}}},
			},
		},
		{
			name: "group spanning nodes",
			cs: ChangeSet{Groups: []OrderedGroup{{ID: "g", Tasks: []TaskDescriptor{
				cfg("n1", "a", "a"), cfg("n2", "b", "b"),
			}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraphBuilder().Build(tt.cs)
			var cross *CrossNodeDependencyError
			require.ErrorAs(t, err, &cross)
			assert.Equal(t, ErrCodeCrossNode, ErrorCode(err))
		})
	}
}

func TestGraphBuilder_ItemOwnedByOtherNode(t *testing.T) {
	const item = "/deployments/d1/items/x"

	t.Run("declared owner", func(t *testing.T) {
		cs := ChangeSet{
			Items: []Item{{Path: item, Node: "n1"}},
			Tasks: []TaskDescriptor{
				{Node: "n2", CallType: "file", CallID: "x", Item: item},
				cfg("n1", "svc", "svc", ItemRef(item)),
			},
		}
		_, err := NewGraphBuilder().Build(cs)
		var cross *CrossNodeDependencyError
		require.ErrorAs(t, err, &cross)
		assert.Equal(t, TaskID{"n2", "file", "x"}, cross.Task)
		assert.Equal(t, "n1", cross.TargetNode)
	})

	t.Run("first task claims the item", func(t *testing.T) {
		cs := ChangeSet{Tasks: []TaskDescriptor{
			{Node: "n1", CallType: "file", CallID: "x", Item: item},
			{Node: "n2", CallType: "file", CallID: "y", Item: item},
			cfg("n1", "svc", "svc", ItemRef(item)),
		}}
		_, err := NewGraphBuilder().Build(cs)
		var cross *CrossNodeDependencyError
		require.ErrorAs(t, err, &cross)
		assert.Equal(t, "n2", cross.Node)
		assert.Equal(t, "n1", cross.TargetNode)
	})
}

func TestGraphBuilder_InvalidReference(t *testing.T) {
	t.Run("unresolved", func(t *testing.T) {
		cs := ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "a", "a", TaskRef("package", "missing"))}}
		_, err := NewGraphBuilder().Build(cs)
		var ref *InvalidDependencyReferenceError
		require.ErrorAs(t, err, &ref)
		assert.Equal(t, 0, ref.Matches)
	})

	t.Run("ambiguous", func(t *testing.T) {
		cs := ChangeSet{Tasks: []TaskDescriptor{
			cfg("n1", "shared", "one"),
			cfg("n2", "shared", "two"),
			cfg("n1", "a", "a", TaskRef("package", "shared")),
		}}
		_, err := NewGraphBuilder().Build(cs)
		var ref *InvalidDependencyReferenceError
		require.ErrorAs(t, err, &ref)
		assert.Equal(t, 2, ref.Matches)
	})

	t.Run("unknown item", func(t *testing.T) {
		cs := ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "a", "a", ItemRef("/nowhere"))}}
		_, err := NewGraphBuilder().Build(cs)
		var ref *InvalidDependencyReferenceError
		require.ErrorAs(t, err, &ref)
	})
}

func TestGraphBuilder_RejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		cs   ChangeSet
	}{
		{"duplicate task", ChangeSet{Tasks: []TaskDescriptor{cfg("n1", "a", "a"), cfg("n1", "a", "again")}}},
		{"reserved call type", ChangeSet{Tasks: []TaskDescriptor{{Node: "n1", CallType: CallTypeLockUnlock, CallID: "lock"}}}},
		{"missing identity", ChangeSet{Tasks: []TaskDescriptor{{Node: "n1", CallType: "package"}}}},
		{"empty group", ChangeSet{Groups: []OrderedGroup{{ID: "g"}}}},
		{"bad kind", ChangeSet{Tasks: []TaskDescriptor{{Node: "n1", CallType: "x", CallID: "y", Kind: KindLock}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraphBuilder().Build(tt.cs)
			require.Error(t, err)
			var engineErr *EngineError
			require.True(t, errors.As(err, &engineErr))
			assert.Equal(t, ErrCodeValidation, engineErr.Code)
		})
	}
}

func TestGraph_WithoutKeepsTransitiveOrder(t *testing.T) {
	cs := ChangeSet{Tasks: []TaskDescriptor{
		cfg("n1", "a", "a"),
		cfg("n1", "b", "b", TaskRef("package", "a")),
		cfg("n1", "c", "c", TaskRef("package", "b")),
	}}
	g, err := NewGraphBuilder().Build(cs)
	require.NoError(t, err)

	pruned := g.Without(func(n *GraphNode) bool { return n.Descriptor.CallID == "b" })
	require.Equal(t, 2, pruned.Len())

	c, _ := pruned.Node(TaskID{"n1", "package", "c"})
	assert.Equal(t, []TaskID{{"n1", "package", "a"}}, c.Requires)
	a, _ := pruned.Node(TaskID{"n1", "package", "a"})
	assert.Equal(t, []TaskID{{"n1", "package", "c"}}, a.Dependents)
}

func TestGraph_PendingDeletions(t *testing.T) {
	cs := ChangeSet{
		Items: []Item{
			{Path: "/a", Node: "n1", ForRemoval: true},
			{Path: "/b", Node: "n1", ForRemoval: true},
			{Path: "/c", Node: "n1"},
		},
		Tasks: []TaskDescriptor{{Node: "n1", CallType: "rm", CallID: "b", Kind: KindRemoval, Item: "/b"}},
	}
	g, err := NewGraphBuilder().Build(cs)
	require.NoError(t, err)

	deletions := g.PendingDeletions()
	require.Len(t, deletions, 1)
	assert.Equal(t, "/a", deletions[0].Path)
}
