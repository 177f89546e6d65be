// Package linegraph provides the built-in "line" topology: nodes chained
// in id order, each linked to its immediate predecessor and successor.
package linegraph

import (
	"errors"

	"github.com/netvolve/netvolve/internal/attrs"
	"github.com/netvolve/netvolve/internal/node"
	"github.com/netvolve/netvolve/internal/plugin"
)

const PluginID = "line"

// Factory registers the line topology.
type Factory struct{}

func (Factory) ID() string { return PluginID }

func (Factory) ParamsScope() *attrs.Scope { return attrs.EmptyScope() }

func (Factory) New() plugin.Graph { return &graph{} }

type graph struct {
	nodes  node.Nodes
	params *attrs.Attributes

	// initial holds the adjacency wired by Init, used by ResetNetwork.
	initial [][]node.Edge
}

func (g *graph) Name() string { return PluginID }

func (g *graph) Init(nodes node.Nodes, params *attrs.Attributes) error {
	if nodes.Size() < 2 {
		return errors.New("a line graph needs at least two nodes")
	}
	g.nodes = nodes
	g.params = params

	g.initial = make([][]node.Edge, nodes.Size())
	for id := 0; id < nodes.Size(); id++ {
		var edges []node.Edge
		if id > 0 {
			edges = append(edges, node.Edge{Neighbour: id - 1})
		}
		if id < nodes.Size()-1 {
			edges = append(edges, node.Edge{Neighbour: id + 1})
		}
		g.initial[id] = edges
	}
	g.ResetNetwork()
	return nil
}

func (g *graph) ResetNetwork() {
	for id, edges := range g.initial {
		wired := make([]node.Edge, len(edges))
		copy(wired, edges)
		g.nodes.Get(id).SetEdges(wired)
	}
}

func (g *graph) Neighbours(id int) []node.Edge {
	n := g.nodes.Get(id)
	if n == nil {
		return nil
	}
	return n.Edges()
}

// BuildCoordinates stores no coordinates; it only reports that the chain
// has an embedding.
func (g *graph) BuildCoordinates() error { return nil }

func (g *graph) GraphParams() *attrs.Attributes { return g.params }
