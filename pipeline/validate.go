// ABOUTME: Structural validation of pipeline graphs: references, port types, cycles, orphans, and required inputs.
// ABOUTME: Every check runs and every violation is reported; extra rules plug in through the Rule interface.
package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies a validation finding.
type ErrorKind string

const (
	KindUnknownNodeReference  ErrorKind = "UnknownNodeReference"
	KindUnknownPort           ErrorKind = "UnknownPort"
	KindDuplicateNodeID       ErrorKind = "DuplicateNodeID"
	KindDuplicateInputBinding ErrorKind = "DuplicateInputBinding"
	KindPortTypeMismatch      ErrorKind = "PortTypeMismatch"
	KindCycleDetected         ErrorKind = "CycleDetected"
	KindOrphanedNode          ErrorKind = "OrphanedNode"
	KindMissingRequiredInput  ErrorKind = "MissingRequiredInput"
	KindUnknownNodeType       ErrorKind = "UnknownNodeType"
)

// Severity represents diagnostic severity level.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

// String returns a human-readable name for the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Diagnostic represents a validation finding.
type Diagnostic struct {
	Kind       ErrorKind
	Severity   Severity
	Message    string
	NodeID     string      // optional
	Connection *Connection // optional
}

// String renders the diagnostic on one line.
func (d Diagnostic) String() string {
	return fmt.Sprintf("%s %s: %s", d.Severity, d.Kind, d.Message)
}

// Rule is an additional validation check run after the built-in checks.
type Rule interface {
	Name() string
	Apply(g *Graph) []Diagnostic
}

// Compatibility declares which source port types may feed which target types
// beyond exact matches and the "any" wildcard.
type Compatibility map[PortType][]PortType

// Assignable reports whether a value of type from may be delivered to a port of type to.
func (c Compatibility) Assignable(from, to PortType) bool {
	if from == to || from == TypeAny || to == TypeAny {
		return true
	}
	for _, t := range c[from] {
		if t == to {
			return true
		}
	}
	return false
}

type validateOptions struct {
	rules  []Rule
	compat Compatibility
	bound  map[string]map[string]any
}

// Option configures Validate.
type Option func(*validateOptions)

// WithRules appends extra rules to the built-in checks.
func WithRules(rules ...Rule) Option {
	return func(o *validateOptions) { o.rules = append(o.rules, rules...) }
}

// WithCompatibility sets the port type compatibility table.
func WithCompatibility(c Compatibility) Option {
	return func(o *validateOptions) { o.compat = c }
}

// WithBoundInputs marks input ports that will be supplied by initial run
// inputs (node id -> port -> value), satisfying required-port coverage.
func WithBoundInputs(inputs map[string]map[string]any) Option {
	return func(o *validateOptions) { o.bound = inputs }
}

// Result is the outcome of Validate.
type Result struct {
	Valid       bool
	Diagnostics []Diagnostic
}

// Errors returns the error-severity diagnostics.
func (r Result) Errors() []Diagnostic {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity diagnostics.
func (r Result) Warnings() []Diagnostic {
	return r.filter(SeverityWarning)
}

// Has reports whether any diagnostic of the given kind was produced.
func (r Result) Has(kind ErrorKind) bool {
	for _, d := range r.Diagnostics {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

func (r Result) filter(sev Severity) []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Severity == sev {
			out = append(out, d)
		}
	}
	return out
}

// ValidationError carries every error-severity diagnostic of a failed validation.
type ValidationError struct {
	GraphID     string
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	lines := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		lines = append(lines, d.String())
	}
	return fmt.Sprintf("pipeline %q failed validation with %d error(s): %s",
		e.GraphID, len(e.Diagnostics), strings.Join(lines, "; "))
}

// Validate runs all structural checks on g and returns every finding. It never mutates g.
func Validate(g *Graph, opts ...Option) Result {
	o := validateOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	var diags []Diagnostic
	diags = append(diags, checkReferences(g, o)...)
	diags = append(diags, checkPortTypes(g, o)...)
	diags = append(diags, checkCycles(g)...)
	diags = append(diags, checkOrphans(g, o)...)
	diags = append(diags, checkRequiredInputs(g, o)...)
	for _, rule := range o.rules {
		diags = append(diags, rule.Apply(g)...)
	}

	valid := true
	for _, d := range diags {
		if d.Severity == SeverityError {
			valid = false
			break
		}
	}
	return Result{Valid: valid, Diagnostics: diags}
}

// ValidateOrError runs Validate and returns a *ValidationError if any
// error-severity diagnostics exist.
func ValidateOrError(g *Graph, opts ...Option) (Result, error) {
	res := Validate(g, opts...)
	if !res.Valid {
		return res, &ValidationError{GraphID: g.ID(), Diagnostics: res.Errors()}
	}
	return res, nil
}

// checkReferences verifies node uniqueness, connection endpoints, port fan-in,
// and (when supplied) initial input bindings.
func checkReferences(g *Graph, o validateOptions) []Diagnostic {
	var diags []Diagnostic

	seen := make(map[string]bool)
	for _, n := range g.nodes {
		if n.ID == "" {
			diags = append(diags, Diagnostic{
				Kind:     KindUnknownNodeReference,
				Severity: SeverityError,
				Message:  "node with empty id",
			})
			continue
		}
		if seen[n.ID] {
			diags = append(diags, Diagnostic{
				Kind:     KindDuplicateNodeID,
				Severity: SeverityError,
				Message:  fmt.Sprintf("node id %q is declared more than once", n.ID),
				NodeID:   n.ID,
			})
		}
		seen[n.ID] = true
	}

	bindings := make(map[Endpoint]int)
	for i := range g.connections {
		c := g.connections[i]
		conn := &g.connections[i]

		src, srcOK := g.index[c.Source.Node]
		if !srcOK {
			diags = append(diags, Diagnostic{
				Kind:       KindUnknownNodeReference,
				Severity:   SeverityError,
				Message:    fmt.Sprintf("connection %s: source node %q does not exist", c, c.Source.Node),
				Connection: conn,
			})
		} else if _, ok := src.Output(c.Source.Port); !ok {
			diags = append(diags, Diagnostic{
				Kind:       KindUnknownPort,
				Severity:   SeverityError,
				Message:    fmt.Sprintf("connection %s: node %q has no output port %q", c, c.Source.Node, c.Source.Port),
				NodeID:     c.Source.Node,
				Connection: conn,
			})
		}

		dst, dstOK := g.index[c.Target.Node]
		if !dstOK {
			diags = append(diags, Diagnostic{
				Kind:       KindUnknownNodeReference,
				Severity:   SeverityError,
				Message:    fmt.Sprintf("connection %s: target node %q does not exist", c, c.Target.Node),
				Connection: conn,
			})
		} else if _, ok := dst.Input(c.Target.Port); !ok {
			diags = append(diags, Diagnostic{
				Kind:       KindUnknownPort,
				Severity:   SeverityError,
				Message:    fmt.Sprintf("connection %s: node %q has no input port %q", c, c.Target.Node, c.Target.Port),
				NodeID:     c.Target.Node,
				Connection: conn,
			})
		}

		bindings[c.Target]++
		if bindings[c.Target] == 2 {
			diags = append(diags, Diagnostic{
				Kind:       KindDuplicateInputBinding,
				Severity:   SeverityError,
				Message:    fmt.Sprintf("input port %s has more than one incoming connection", c.Target),
				NodeID:     c.Target.Node,
				Connection: conn,
			})
		}
	}

	for _, nodeID := range sortedKeys(o.bound) {
		n, ok := g.index[nodeID]
		if !ok {
			diags = append(diags, Diagnostic{
				Kind:     KindUnknownNodeReference,
				Severity: SeverityError,
				Message:  fmt.Sprintf("initial inputs reference unknown node %q", nodeID),
			})
			continue
		}
		for _, port := range sortedKeys(o.bound[nodeID]) {
			if _, ok := n.Input(port); !ok {
				diags = append(diags, Diagnostic{
					Kind:     KindUnknownPort,
					Severity: SeverityError,
					Message:  fmt.Sprintf("initial inputs reference unknown input port %q on node %q", port, nodeID),
					NodeID:   nodeID,
				})
			}
		}
	}

	return diags
}

// checkPortTypes verifies each connection's source type is assignable to its target type.
func checkPortTypes(g *Graph, o validateOptions) []Diagnostic {
	var diags []Diagnostic
	for i := range g.connections {
		c := g.connections[i]
		src, ok := g.index[c.Source.Node]
		if !ok {
			continue
		}
		dst, ok := g.index[c.Target.Node]
		if !ok {
			continue
		}
		out, ok := src.Output(c.Source.Port)
		if !ok {
			continue
		}
		in, ok := dst.Input(c.Target.Port)
		if !ok {
			continue
		}
		if !o.compat.Assignable(out.Type, in.Type) {
			diags = append(diags, Diagnostic{
				Kind:       KindPortTypeMismatch,
				Severity:   SeverityError,
				Message:    fmt.Sprintf("connection %s: %q output is not assignable to %q input", c, out.Type, in.Type),
				NodeID:     c.Target.Node,
				Connection: &g.connections[i],
			})
		}
	}
	return diags
}

// checkCycles runs a depth-first search with an explicit recursion stack and
// reports one CycleDetected diagnostic per back edge, including self-loops.
func checkCycles(g *Graph) []Diagnostic {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.index))
	var stack []string
	var diags []Diagnostic

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)

		for _, next := range g.Successors(id) {
			if !g.HasNode(next) {
				continue
			}
			switch color[next] {
			case white:
				visit(next)
			case grey:
				start := 0
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						start = i
						break
					}
				}
				path := append(append([]string(nil), stack[start:]...), next)
				diags = append(diags, Diagnostic{
					Kind:     KindCycleDetected,
					Severity: SeverityError,
					Message:  fmt.Sprintf("cycle detected: %s", strings.Join(path, " -> ")),
					NodeID:   next,
				})
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range g.NodeIDs() {
		if color[id] == white {
			visit(id)
		}
	}
	return diags
}

// checkOrphans reports nodes with no incident connections in multi-node graphs.
// A pure source (no unbound required inputs) is a warning and still runs;
// an isolated node that needs inputs it can never receive is an error.
func checkOrphans(g *Graph, o validateOptions) []Diagnostic {
	ids := g.NodeIDs()
	if len(ids) < 2 {
		return nil
	}

	var diags []Diagnostic
	for _, id := range ids {
		if len(g.incoming[id]) > 0 || len(g.outgoing[id]) > 0 {
			continue
		}
		n := g.index[id]
		sev := SeverityWarning
		msg := fmt.Sprintf("node %q has no connections; it will run but its outputs feed nothing", id)
		for _, p := range n.Inputs {
			if p.Required && !isBound(o.bound, id, p.Name) {
				sev = SeverityError
				msg = fmt.Sprintf("node %q has no connections and required input %q can never be satisfied", id, p.Name)
				break
			}
		}
		diags = append(diags, Diagnostic{
			Kind:     KindOrphanedNode,
			Severity: sev,
			Message:  msg,
			NodeID:   id,
		})
	}
	return diags
}

// checkRequiredInputs reports required input ports with no incoming connection
// and no initial input binding.
func checkRequiredInputs(g *Graph, o validateOptions) []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		n := g.index[id]
		for _, p := range n.Inputs {
			if !p.Required {
				continue
			}
			connected := false
			for _, c := range g.incoming[id] {
				if c.Target.Port == p.Name && g.HasNode(c.Source.Node) {
					connected = true
					break
				}
			}
			if connected || isBound(o.bound, id, p.Name) {
				continue
			}
			diags = append(diags, Diagnostic{
				Kind:     KindMissingRequiredInput,
				Severity: SeverityError,
				Message:  fmt.Sprintf("required input %s.%s has no incoming connection or initial value", id, p.Name),
				NodeID:   id,
			})
		}
	}
	return diags
}

func isBound(bound map[string]map[string]any, node, port string) bool {
	ports, ok := bound[node]
	if !ok {
		return false
	}
	_, ok = ports[port]
	return ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
