package linegraph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netvolve/netvolve/internal/attrs"
	"github.com/netvolve/netvolve/internal/node"
)

func makeNodes(t *testing.T, n int) node.Nodes {
	t.Helper()
	nodes, err := node.FromCmd(fmt.Sprintf("*%d;min", n), attrs.EmptyScope())
	require.NoError(t, err)
	return nodes
}

func TestLineGraph_ChainsNodesInOrder(t *testing.T) {
	g := Factory{}.New()
	nodes := makeNodes(t, 5)
	require.NoError(t, g.Init(nodes, attrs.NewAttributes(attrs.EmptyScope())))

	// endpoints have one neighbour, inner nodes have two
	assert.Equal(t, []node.Edge{{Neighbour: 1}}, g.Neighbours(0))
	assert.Equal(t, []node.Edge{{Neighbour: 3}}, g.Neighbours(4))
	assert.Equal(t, []node.Edge{{Neighbour: 1}, {Neighbour: 3}}, g.Neighbours(2))
}

func TestLineGraph_ResetRestoresNeighbourhoods(t *testing.T) {
	g := Factory{}.New()
	nodes := makeNodes(t, 3)
	require.NoError(t, g.Init(nodes, attrs.NewAttributes(attrs.EmptyScope())))

	nodes.Get(1).SetEdges(nil)
	require.Empty(t, g.Neighbours(1))

	g.ResetNetwork()
	assert.Equal(t, []node.Edge{{Neighbour: 0}, {Neighbour: 2}}, g.Neighbours(1))
}

func TestLineGraph_RejectsTinyNodeSets(t *testing.T) {
	g := Factory{}.New()
	assert.Error(t, g.Init(makeNodes(t, 1), attrs.NewAttributes(attrs.EmptyScope())))
}

func TestLineGraph_UnknownNodeHasNoNeighbours(t *testing.T) {
	g := Factory{}.New()
	require.NoError(t, g.Init(makeNodes(t, 2), attrs.NewAttributes(attrs.EmptyScope())))
	assert.Nil(t, g.Neighbours(99))
}
