// Package node holds the per-agent state of a trial: nodes, their typed
// attributes and their neighbourhoods.
package node

import (
	"github.com/netvolve/netvolve/internal/attrs"
)

// Edge links a node to one neighbour, optionally carrying edge attributes.
// The neighbour is referenced by node id inside the owning trial's node set.
type Edge struct {
	Neighbour int
	Attrs     *attrs.Attributes
}

// Node is one agent: a unique id, its attribute values (matching the
// model's node scope) and its neighbour list. A node is owned by exactly
// one trial, except for the experiment's clonable seed set.
type Node struct {
	id    int
	attrs *attrs.Attributes
	edges []Edge
}

func New(id int, a *attrs.Attributes) *Node {
	return &Node{id: id, attrs: a}
}

func (n *Node) ID() int                  { return n.id }
func (n *Node) Attrs() *attrs.Attributes { return n.attrs }

// Edges returns the neighbour list in insertion order.
func (n *Node) Edges() []Edge { return n.edges }

func (n *Node) AddEdge(e Edge) { n.edges = append(n.edges, e) }

// SetEdges replaces the neighbour list, used by graph topology resets.
func (n *Node) SetEdges(edges []Edge) { n.edges = edges }

// Clone deep-copies the node, its attributes and its edges.
func (n *Node) Clone() *Node {
	c := &Node{id: n.id, attrs: n.attrs.Clone()}
	if n.edges != nil {
		c.edges = make([]Edge, len(n.edges))
		for i, e := range n.edges {
			c.edges[i] = Edge{Neighbour: e.Neighbour}
			if e.Attrs != nil {
				c.edges[i].Attrs = e.Attrs.Clone()
			}
		}
	}
	return c
}

// Nodes is an ordered node set keyed by node id. Ids are assigned densely
// from zero, so lookup is positional.
type Nodes []*Node

func (ns Nodes) Size() int { return len(ns) }

// Get returns the node with the given id, or nil.
func (ns Nodes) Get(id int) *Node {
	if id < 0 || id >= len(ns) {
		return nil
	}
	return ns[id]
}

// Clone deep-copies the whole set in O(|nodes|+|edges|).
func (ns Nodes) Clone() Nodes {
	if ns == nil {
		return nil
	}
	out := make(Nodes, len(ns))
	for i, n := range ns {
		out[i] = n.Clone()
	}
	return out
}
