// ABOUTME: Immutable pipeline graph model: typed nodes, ports, and port-to-port connections.
// ABOUTME: Provides adjacency queries (incoming/outgoing, predecessors/successors, descendants) used by validation, planning, and scheduling.
package pipeline

import (
	"fmt"
	"sort"
	"time"
)

// PortType names the kind of value a port carries ("text", "image", "json", ...).
type PortType string

// TypeAny is the wildcard port type; it is compatible with every other type.
const TypeAny PortType = "any"

// Port is a named, typed input or output slot on a node.
type Port struct {
	Name     string   `yaml:"name" json:"name"`
	Type     PortType `yaml:"type" json:"type"`
	Required bool     `yaml:"required,omitempty" json:"required,omitempty"`
}

// Node is a single typed processing unit. Type resolves to an executor at run time.
type Node struct {
	ID      string         `yaml:"id" json:"id"`
	Type    string         `yaml:"type" json:"type"`
	Config  map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Inputs  []Port         `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs []Port         `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// MaxAttempts overrides the engine's attempt budget for this node (0 = use default).
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	// Timeout overrides the per-task timeout for this node (0 = use default).
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Input returns the declared input port with the given name.
func (n *Node) Input(name string) (Port, bool) {
	for _, p := range n.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Output returns the declared output port with the given name.
func (n *Node) Output(name string) (Port, bool) {
	for _, p := range n.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Endpoint addresses one port on one node.
type Endpoint struct {
	Node string `yaml:"node" json:"node"`
	Port string `yaml:"port" json:"port"`
}

// String renders the endpoint as "node.port".
func (e Endpoint) String() string {
	return e.Node + "." + e.Port
}

// Connection is a directed edge from a source output port to a target input port.
type Connection struct {
	Source Endpoint `yaml:"from" json:"from"`
	Target Endpoint `yaml:"to" json:"to"`
}

// String renders the connection as "a.out -> b.in".
func (c Connection) String() string {
	return fmt.Sprintf("%s -> %s", c.Source, c.Target)
}

// Graph is an immutable pipeline definition. Build one with New; the zero value is empty.
type Graph struct {
	id          string
	version     int
	nodes       []*Node
	connections []Connection

	index    map[string]*Node
	incoming map[string][]Connection
	outgoing map[string][]Connection
}

// New builds a Graph from the given nodes and connections. All inputs are
// deep-copied so later changes by the caller cannot alter the graph. New does
// not validate structure; run Validate before planning or executing.
func New(id string, version int, nodes []Node, connections []Connection) *Graph {
	g := &Graph{
		id:          id,
		version:     version,
		nodes:       make([]*Node, 0, len(nodes)),
		connections: make([]Connection, len(connections)),
		index:       make(map[string]*Node, len(nodes)),
		incoming:    make(map[string][]Connection),
		outgoing:    make(map[string][]Connection),
	}

	for i := range nodes {
		n := copyNode(&nodes[i])
		g.nodes = append(g.nodes, n)
		// First declaration wins; duplicates are reported by the validator.
		if _, exists := g.index[n.ID]; !exists {
			g.index[n.ID] = n
		}
	}

	copy(g.connections, connections)
	for _, c := range g.connections {
		g.outgoing[c.Source.Node] = append(g.outgoing[c.Source.Node], c)
		g.incoming[c.Target.Node] = append(g.incoming[c.Target.Node], c)
	}

	return g
}

// ID returns the graph identifier.
func (g *Graph) ID() string { return g.id }

// Version returns the graph version.
func (g *Graph) Version() int { return g.version }

// Len returns the number of declared nodes, including duplicates.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns a copy of the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return *copyNode(n), true
}

// HasNode reports whether a node with the given ID exists.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Nodes returns copies of all nodes in declaration order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *copyNode(n))
	}
	return out
}

// NodeIDs returns the distinct node IDs in declaration order.
func (g *Graph) NodeIDs() []string {
	seen := make(map[string]bool, len(g.nodes))
	ids := make([]string, 0, len(g.nodes))
	for _, n := range g.nodes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		ids = append(ids, n.ID)
	}
	return ids
}

// Connections returns a copy of all connections in declaration order.
func (g *Graph) Connections() []Connection {
	out := make([]Connection, len(g.connections))
	copy(out, g.connections)
	return out
}

// Incoming returns the connections that target the given node.
func (g *Graph) Incoming(id string) []Connection {
	return append([]Connection(nil), g.incoming[id]...)
}

// Outgoing returns the connections that originate at the given node.
func (g *Graph) Outgoing(id string) []Connection {
	return append([]Connection(nil), g.outgoing[id]...)
}

// Predecessors returns the distinct IDs of nodes with a connection into id, sorted.
func (g *Graph) Predecessors(id string) []string {
	return distinctSorted(g.incoming[id], func(c Connection) string { return c.Source.Node })
}

// Successors returns the distinct IDs of nodes that id connects into, sorted.
func (g *Graph) Successors(id string) []string {
	return distinctSorted(g.outgoing[id], func(c Connection) string { return c.Target.Node })
}

// Descendants returns every node reachable from id by following connections,
// excluding id itself unless it lies on a cycle. The result is sorted.
func (g *Graph) Descendants(id string) []string {
	visited := make(map[string]bool)
	queue := g.Successors(id)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		queue = append(queue, g.Successors(cur)...)
	}

	out := make([]string, 0, len(visited))
	for n := range visited {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func distinctSorted(conns []Connection, key func(Connection) string) []string {
	seen := make(map[string]bool, len(conns))
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		k := key(c)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copyNode(n *Node) *Node {
	cp := *n
	cp.Config = copyConfig(n.Config)
	cp.Inputs = append([]Port(nil), n.Inputs...)
	cp.Outputs = append([]Port(nil), n.Outputs...)
	return &cp
}

// copyConfig deep-copies nested maps and slices so the graph owns its config.
func copyConfig(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyConfig(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	default:
		return v
	}
}
