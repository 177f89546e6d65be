package sim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/netvolve/netvolve/internal/attrs"
	"github.com/netvolve/netvolve/internal/plugin"
)

// Hard limits on experiment geometry.
const (
	MaxTrials = 1000
	MaxSteps  = 100_000_000
)

// Names of the general input attributes, shared by the import/export file
// format and the experiment init path.
const (
	AttrExpID      = "id"
	AttrTrials     = "trials"
	AttrStopAt     = "stopAt"
	AttrNodes      = "nodes"
	AttrGraphID    = "graphId"
	AttrModelID    = "modelId"
	AttrGraphType  = "graphType"
	AttrAutoDelete = "autoDelete"
	AttrOutDir     = "outDir"
	AttrOutputs    = "outputs"
)

// generalScope validates the general input block. Model and graph blocks
// are validated against the scopes their factories declare.
var generalScope = attrs.MustScope(
	[2]string{AttrExpID, fmt.Sprintf("int[0,%d]", int64(1)<<31-1)},
	[2]string{AttrTrials, fmt.Sprintf("int[1,%d]", MaxTrials)},
	[2]string{AttrStopAt, fmt.Sprintf("int[0,%d]", MaxSteps)},
	[2]string{AttrNodes, "string"},
	[2]string{AttrGraphID, "string"},
	[2]string{AttrModelID, "string"},
	[2]string{AttrGraphType, "string"},
	[2]string{AttrAutoDelete, "bool"},
	[2]string{AttrOutDir, "string"},
	[2]string{AttrOutputs, "string"},
)

// GeneralScope exposes the general input scope, e.g. for building import
// headers.
func GeneralScope() *attrs.Scope { return generalScope }

// CacheSpec describes one output sink as an ordered list of column names.
// Columns are either "step" or a custom output declared by the model.
type CacheSpec struct {
	Columns []string
}

// ExpInputs carries the three validated attribute blocks plus the output
// sink descriptors of one experiment. Instances are immutable once parsed;
// editing an experiment replaces the whole set.
type ExpInputs struct {
	general *attrs.Attributes
	model   *attrs.Attributes
	graph   *attrs.Attributes
	caches  []CacheSpec

	modelID string
	graphID string
}

// NewExpInputs assembles inputs programmatically. The general block must be
// complete; model and graph blocks default to the factory scopes with no
// values when nil.
func NewExpInputs(general, model, graph *attrs.Attributes) (*ExpInputs, error) {
	if general == nil || !general.Complete() {
		return nil, errors.New("general inputs are incomplete")
	}
	in := &ExpInputs{
		general: general,
		model:   model,
		graph:   graph,
		modelID: general.Value(AttrModelID).AsString(),
		graphID: general.Value(AttrGraphID).AsString(),
	}
	in.caches = parseCaches(general.Value(AttrOutputs).AsString())
	return in, nil
}

// General returns the value of a general attribute.
func (in *ExpInputs) General(name string) attrs.Value { return in.general.Value(name) }

// Model returns the value of a model-specific attribute.
func (in *ExpInputs) Model(name string) attrs.Value {
	if in.model == nil {
		return attrs.Value{}
	}
	return in.model.Value(name)
}

// Graph returns the value of a graph-specific attribute.
func (in *ExpInputs) Graph(name string) attrs.Value {
	if in.graph == nil {
		return attrs.Value{}
	}
	return in.graph.Value(name)
}

func (in *ExpInputs) ModelAttrs() *attrs.Attributes { return in.model }
func (in *ExpInputs) GraphAttrs() *attrs.Attributes { return in.graph }

func (in *ExpInputs) ModelID() string     { return in.modelID }
func (in *ExpInputs) GraphID() string     { return in.graphID }
func (in *ExpInputs) Caches() []CacheSpec { return in.caches }

// parseCaches decodes the "outputs" general attribute: caches separated by
// ';', columns inside a cache separated by '|'.
func parseCaches(spec string) []CacheSpec {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	var caches []CacheSpec
	for _, c := range strings.Split(spec, ";") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		var cols []string
		for _, col := range strings.Split(c, "|") {
			if col = strings.TrimSpace(col); col != "" {
				cols = append(cols, col)
			}
		}
		if len(cols) > 0 {
			caches = append(caches, CacheSpec{Columns: cols})
		}
	}
	return caches
}

// ParseExpInputs builds inputs from one row of the delimited import format.
// The header mixes general attribute names with model and graph attributes
// prefixed by "<modelId>_" and "<graphId>_". Empty model and graph cells
// leave the attribute unset; empty outDir and outputs cells store the empty
// string; any other empty general cell, like any validation failure,
// aborts the row.
func ParseExpInputs(reg *plugin.Registry, header, values []string) (*ExpInputs, error) {
	if len(header) != len(values) {
		return nil, fmt.Errorf("row has %d cells, header has %d", len(values), len(header))
	}

	cell := func(name string) string {
		for i, h := range header {
			if h == name {
				return strings.TrimSpace(values[i])
			}
		}
		return ""
	}

	modelID := cell(AttrModelID)
	graphID := cell(AttrGraphID)
	if modelID == "" || graphID == "" {
		return nil, errors.New("the header must name modelId and graphId")
	}

	general := attrs.NewAttributes(generalScope)
	var model, graph *attrs.Attributes
	if mf, err := reg.Model(modelID); err == nil {
		model = attrs.NewAttributes(mf.ParamsScope())
	}
	if gf, err := reg.Graph(graphID); err == nil {
		graph = attrs.NewAttributes(gf.ParamsScope())
	}

	var errs []string
	for i, name := range header {
		text := strings.TrimSpace(values[i])
		switch {
		case generalScope.Contains(name):
			if text == "" {
				// optional general attributes may stay empty
				if name == AttrOutDir || name == AttrOutputs {
					_ = general.SetText(name, "")
					continue
				}
				errs = append(errs, fmt.Sprintf("missing value for %q", name))
				continue
			}
			if err := general.SetText(name, text); err != nil {
				errs = append(errs, err.Error())
			}
		case strings.HasPrefix(name, modelID+"_"):
			if model == nil {
				continue // unknown plugin, reported by Experiment.Init
			}
			if text == "" {
				continue
			}
			if err := model.SetText(strings.TrimPrefix(name, modelID+"_"), text); err != nil {
				errs = append(errs, err.Error())
			}
		case strings.HasPrefix(name, graphID+"_"):
			if graph == nil {
				continue
			}
			if text == "" {
				continue
			}
			if err := graph.SetText(strings.TrimPrefix(name, graphID+"_"), text); err != nil {
				errs = append(errs, err.Error())
			}
		default:
			// columns belonging to other experiments' plugins are skipped
		}
	}
	if !general.Complete() {
		errs = append(errs, "general inputs are incomplete")
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid experiment inputs: %s", strings.Join(errs, "; "))
	}

	return NewExpInputs(general, model, graph)
}

// ExportAttrNames lists the attribute names of this input set the way the
// project save format spells them: general names bare, model and graph
// names prefixed with their plugin id.
func (in *ExpInputs) ExportAttrNames() []string {
	names := make([]string, 0, in.general.Size())
	names = append(names, in.general.Scope().Names()...)
	if in.model != nil {
		for _, n := range in.model.Scope().Names() {
			names = append(names, in.modelID+"_"+n)
		}
	}
	if in.graph != nil {
		for _, n := range in.graph.Scope().Names() {
			names = append(names, in.graphID+"_"+n)
		}
	}
	return names
}

// ExportValue resolves an export attribute name back to its value. Unknown
// names yield the zero Value, which renders as the empty cell.
func (in *ExpInputs) ExportValue(name string) attrs.Value {
	if strings.HasPrefix(name, in.modelID+"_") && in.model != nil {
		if v := in.model.Value(strings.TrimPrefix(name, in.modelID+"_")); v.IsValid() {
			return v
		}
	}
	if strings.HasPrefix(name, in.graphID+"_") && in.graph != nil {
		if v := in.graph.Value(strings.TrimPrefix(name, in.graphID+"_")); v.IsValid() {
			return v
		}
	}
	return in.general.Value(name)
}

// Equal reports attribute-by-attribute equality of the three blocks. A nil
// block counts as an empty one, so programmatic and parsed inputs compare
// equal.
func (in *ExpInputs) Equal(o *ExpInputs) bool {
	return in.general.Equal(o.general) &&
		blockEqual(in.model, o.model) &&
		blockEqual(in.graph, o.graph)
}

func blockEqual(a, b *attrs.Attributes) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil:
		return b.Size() == 0
	case b == nil:
		return a.Size() == 0
	}
	return a.Equal(b)
}
