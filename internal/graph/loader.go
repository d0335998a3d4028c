package graph

import (
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"
)

// graphFile is the YAML document shape.
type graphFile struct {
	Flows []Flow `yaml:"flows"`
}

// defaultMaxSteps is the hard traversal cap applied when a flow does not set
// its own.
const defaultMaxSteps = 64

// Load reads and validates a graph definition from a YAML file. Malformed
// configuration is rejected here, before any task can reference a flow.
func Load(path string, backends func(name string) bool) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph %s: %w", path, err)
	}
	return Parse(data, backends)
}

// Parse validates a YAML graph definition. backends reports whether an
// adapter is registered under the given name.
func Parse(data []byte, backends func(name string) bool) (*Graph, error) {
	var file graphFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}

	g := &Graph{Flows: make(map[string]*Flow, len(file.Flows))}
	for i := range file.Flows {
		f := &file.Flows[i]
		if f.Name == "" {
			return nil, fmt.Errorf("flow %d has no name", i)
		}
		if _, dup := g.Flows[f.Name]; dup {
			return nil, fmt.Errorf("duplicate flow %q", f.Name)
		}
		if err := validateFlow(f, backends); err != nil {
			return nil, fmt.Errorf("flow %q: %w", f.Name, err)
		}
		g.Flows[f.Name] = f
	}
	return g, nil
}

func validateFlow(f *Flow, backends func(string) bool) error {
	if len(f.Nodes) == 0 {
		return fmt.Errorf("no nodes")
	}
	if f.MaxSteps <= 0 {
		f.MaxSteps = defaultMaxSteps
	}

	f.nodesByID = make(map[string]*Node, len(f.Nodes))
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node %d has no id", i)
		}
		if _, dup := f.nodesByID[n.ID]; dup {
			return fmt.Errorf("duplicate node %q", n.ID)
		}
		switch n.Kind {
		case KindModelCall, KindToolCall, KindFunction:
		default:
			return fmt.Errorf("node %q has unknown kind %q", n.ID, n.Kind)
		}
		if n.Backend == "" {
			return fmt.Errorf("node %q has no backend", n.ID)
		}
		if backends != nil && !backends(n.Backend) {
			return fmt.Errorf("node %q references unregistered backend %q", n.ID, n.Backend)
		}
		if n.Kind == KindModelCall && n.Prompt == "" {
			return fmt.Errorf("model-call node %q has no prompt", n.ID)
		}
		f.nodesByID[n.ID] = n
	}

	if f.Entry == "" {
		f.Entry = f.Nodes[0].ID
	}
	if _, ok := f.nodesByID[f.Entry]; !ok {
		return fmt.Errorf("entry node %q not defined", f.Entry)
	}

	f.edgesFrom = make(map[string][]*Edge)
	for i := range f.Edges {
		e := &f.Edges[i]
		if _, ok := f.nodesByID[e.From]; !ok {
			return fmt.Errorf("edge %d: unknown source node %q", i, e.From)
		}
		if _, ok := f.nodesByID[e.To]; !ok {
			return fmt.Errorf("edge %d: unknown target node %q", i, e.To)
		}
		if e.When != "" {
			prog, err := expr.Compile(e.When)
			if err != nil {
				return fmt.Errorf("edge %s->%s: compile condition %q: %w", e.From, e.To, e.When, err)
			}
			e.program = prog
		}
		f.edgesFrom[e.From] = append(f.edgesFrom[e.From], e)
	}

	// Conditional out-edge sets need an unconditional default so traversal
	// can never strand mid-flow with no matching edge.
	for id, edges := range f.edgesFrom {
		conditional, unconditional := 0, 0
		for _, e := range edges {
			if e.When == "" {
				unconditional++
			} else {
				conditional++
			}
		}
		if conditional > 0 && unconditional == 0 {
			return fmt.Errorf("node %q has conditional edges but no default edge", id)
		}
		// More than one unconditional edge is a parallel fan-out; every
		// branch must be declared and converge on a join node.
		if unconditional > 1 {
			if conditional > 0 {
				return fmt.Errorf("node %q mixes fan-out with conditional edges", id)
			}
			if err := validateFanOut(f, id, edges); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateFanOut checks that every parallel branch is a linear chain ending
// at one shared join node.
func validateFanOut(f *Flow, from string, edges []*Edge) error {
	join := ""
	for _, e := range edges {
		cur := e.To
		for steps := 0; ; steps++ {
			if steps > len(f.Nodes) {
				return fmt.Errorf("fan-out branch from %q via %q does not reach a join node", from, e.To)
			}
			node := f.nodesByID[cur]
			if node.Join {
				if join == "" {
					join = cur
				} else if join != cur {
					return fmt.Errorf("fan-out from %q converges on multiple join nodes (%q, %q)", from, join, cur)
				}
				break
			}
			next := f.edgesFrom[cur]
			if len(next) != 1 || next[0].When != "" {
				return fmt.Errorf("fan-out branch node %q must have exactly one unconditional out-edge", cur)
			}
			cur = next[0].To
		}
	}
	if join == "" {
		return fmt.Errorf("fan-out from %q has no join node", from)
	}
	return nil
}
