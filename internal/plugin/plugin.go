// Package plugin defines the capability sets the execution core expects
// from agent models and graph topologies, and the registry that resolves
// plugin ids to factories. The core never loads plugins itself; factories
// are registered at startup by the application.
package plugin

import (
	"github.com/netvolve/netvolve/internal/attrs"
	"github.com/netvolve/netvolve/internal/node"
)

// Model is one instantiated agent model bound to a trial's node set.
type Model interface {
	// Init binds the model to a node set and its graph. Called once per
	// trial, before the first step.
	Init(nodes node.Nodes, graph Graph, params *attrs.Attributes) error

	// Step applies one update of the model's rule to the node set.
	// It reports false when the model has terminated on its own.
	Step() (cont bool, err error)

	// CustomOutputs names the per-step columns the model can emit.
	CustomOutputs() []string

	// Output returns the current value of a custom output column.
	Output(name string) attrs.Value
}

// Graph is one instantiated topology bound to a trial's node set.
type Graph interface {
	// Init validates the graph params and wires the initial neighbourhoods.
	Init(nodes node.Nodes, params *attrs.Attributes) error

	// ResetNetwork restores every node's neighbourhood to the initial
	// structure built by Init.
	ResetNetwork()

	// Neighbours returns the ordered edge list of a node.
	Neighbours(id int) []node.Edge

	// BuildCoordinates introduces spatial coordinates for each node. It is
	// an optional visualization hook; topologies without a meaningful
	// embedding return an error and are simply not drawn.
	BuildCoordinates() error

	// GraphParams returns the current value of all graph parameters.
	GraphParams() *attrs.Attributes

	Name() string
}

// ModelFactory produces Model instances and describes their parameter and
// node-attribute scopes.
type ModelFactory interface {
	ID() string
	ParamsScope() *attrs.Scope
	NodeAttrsScope() *attrs.Scope
	New() Model
}

// GraphFactory produces Graph instances and describes their parameter scope.
type GraphFactory interface {
	ID() string
	ParamsScope() *attrs.Scope
	New() Graph
}

// GraphType tags the edge semantics a topology is built with.
type GraphType uint8

const (
	GraphTypeInvalid GraphType = iota
	GraphTypeUndirected
	GraphTypeDirected
)

// GraphTypeFromString maps the canonical text tag to a GraphType.
func GraphTypeFromString(s string) GraphType {
	switch s {
	case "undirected":
		return GraphTypeUndirected
	case "directed":
		return GraphTypeDirected
	}
	return GraphTypeInvalid
}

func (t GraphType) String() string {
	switch t {
	case GraphTypeUndirected:
		return "undirected"
	case GraphTypeDirected:
		return "directed"
	}
	return "invalid"
}
