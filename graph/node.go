/*
 *	Copyright 2025 The GoMLX Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/xmap/backends"
	"github.com/gomlx/xmap/types/shapes"
)

// Node represents the result of an operation in the computation graph, and can be used as
// input to further operations.
//
// While tracing under the xmap engine, a Node also carries named-axis annotations: a
// mapping from logical axis name to the node's physical dimension holding (a shard of)
// that axis -- see Node.NamedAxes.
type Node struct {
	graph *Graph
	id    NodeId // id within graph.
	op    backends.Op
	shape shapes.Shape

	// opName is the operation that created the node, for pretty-printing.
	opName string

	// inputNodes are the edges of the computation graph.
	inputNodes []*Node

	// namedAxes maps a logical axis name to the physical dimension of this node that holds
	// it. nil when not tracing named axes.
	namedAxes map[string]int
}

// newNode creates a node of the graph from the backend op and registers it.
func (g *Graph) newNode(opName string, op backends.Op, inputs ...*Node) *Node {
	shape, err := g.builder.OpShape(op)
	if err != nil {
		panic(err)
	}
	node := &Node{
		graph:      g,
		op:         op,
		shape:      shape,
		opName:     opName,
		inputNodes: inputs,
	}
	return g.registerNode(node)
}

// Graph that owns the node.
func (n *Node) Graph() *Graph { return n.graph }

// Id of the node within its graph.
func (n *Node) Id() NodeId { return n.id }

// Shape of the node's value.
func (n *Node) Shape() shapes.Shape { return n.shape }

// Rank of the node's shape.
func (n *Node) Rank() int { return n.shape.Rank() }

// DType of the node's shape.
func (n *Node) DType() dtypes.DType { return n.shape.DType }

// NamedAxes returns a copy of the node's named-axis annotations: logical axis name to
// physical dimension. It returns nil if the node has none.
func (n *Node) NamedAxes() map[string]int {
	if n.namedAxes == nil {
		return nil
	}
	copied := make(map[string]int, len(n.namedAxes))
	for name, dim := range n.namedAxes {
		copied[name] = dim
	}
	return copied
}

// NamedAxisDim returns the physical dimension of the node holding the given logical axis.
func (n *Node) NamedAxisDim(name string) (int, bool) {
	dim, found := n.namedAxes[name]
	return dim, found
}

// HasNamedAxes returns whether the node carries any named-axis annotation.
func (n *Node) HasNamedAxes() bool { return len(n.namedAxes) > 0 }

// WithNamedAxes sets the node's named-axis annotations and returns the node. It is used
// by the xmap engine when creating the parameter nodes of a traced function.
//
// Every named dimension must be within the node's rank, and no two names may share a
// dimension.
func (n *Node) WithNamedAxes(namedAxes map[string]int) *Node {
	if len(namedAxes) == 0 {
		n.namedAxes = nil
		return n
	}
	used := make(map[int]string, len(namedAxes))
	copied := make(map[string]int, len(namedAxes))
	for name, dim := range namedAxes {
		if dim < 0 || dim >= n.Rank() {
			exceptions.Panicf("named axis %q maps to dimension %d, out-of-range for shape %s", name, dim, n.shape)
		}
		if other, found := used[dim]; found {
			exceptions.Panicf("named axes %q and %q both map to dimension %d of shape %s", name, other, dim, n.shape)
		}
		used[dim] = name
		copied[name] = dim
	}
	n.namedAxes = copied
	return n
}

// String implements the fmt.Stringer interface, and pretty-prints the node.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "#%d %s -> %s", n.id, n.opName, n.shape)
	if len(n.namedAxes) > 0 {
		names := make([]string, 0, len(n.namedAxes))
		for name := range n.namedAxes {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString(" {")
		for ii, name := range names {
			if ii > 0 {
				sb.WriteString(", ")
			}
			_, _ = fmt.Fprintf(&sb, "%s:%d", name, n.namedAxes[name])
		}
		sb.WriteString("}")
	}
	return sb.String()
}
