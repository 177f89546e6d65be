// Package identity provides the built-in "identity" model: a model whose
// step leaves every node untouched and never terminates on its own. It is
// the canonical smoke-test model for the execution core.
package identity

import (
	"errors"

	"github.com/netvolve/netvolve/internal/attrs"
	"github.com/netvolve/netvolve/internal/node"
	"github.com/netvolve/netvolve/internal/plugin"
)

const PluginID = "identity"

// Factory registers the identity model.
type Factory struct{}

func (Factory) ID() string { return PluginID }

func (Factory) ParamsScope() *attrs.Scope { return attrs.EmptyScope() }

func (Factory) NodeAttrsScope() *attrs.Scope { return attrs.EmptyScope() }

func (Factory) New() plugin.Model { return &model{} }

type model struct {
	nodes node.Nodes
	graph plugin.Graph
}

func (m *model) Init(nodes node.Nodes, graph plugin.Graph, _ *attrs.Attributes) error {
	if nodes.Size() == 0 {
		return errors.New("identity model needs a non-empty node set")
	}
	m.nodes = nodes
	m.graph = graph
	return nil
}

func (m *model) Step() (bool, error) { return true, nil }

func (m *model) CustomOutputs() []string { return []string{"population"} }

func (m *model) Output(name string) attrs.Value {
	if name == "population" {
		return attrs.Int32(int32(m.nodes.Size()))
	}
	return attrs.Value{}
}
