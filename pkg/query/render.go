package query

import (
	"encoding/json"
	"fmt"

	"github.com/syncstore/engine/pkg/operation"
	"github.com/syncstore/engine/pkg/value"
)

// NodeKind tags which variant a RenderNode holds.
type NodeKind int

const (
	NodeFunctionCall NodeKind = iota
	NodeLiteral
	NodeColumnRef
	NodeArray
	NodeObject
	NodeBinaryOp
)

// OperationWiring attaches one operation to a widget, naming the parameter
// the widget modifies (a checkbox modifies "completed", a drop target
// modifies "new_parent_id"). The Descriptor is resolved from the dispatcher
// at compile time; front-ends read it to know the operation's full shape
// without another round-trip.
type OperationWiring struct {
	EntityName string
	OpName     string
	Parameter  string
	Descriptor *operation.Descriptor
}

// RenderNode is one node of the render specification tree compiled from a
// query's render call. The core never renders anything; it hands this tree
// to a front-end together with the SQL.
type RenderNode struct {
	Kind NodeKind

	// Name is the function name for FunctionCall, the column name for
	// ColumnRef, and the operator for BinaryOp.
	Name    string
	Literal value.Value

	Args        []*RenderNode          // FunctionCall
	Items       []*RenderNode          // Array
	Fields      map[string]*RenderNode // Object
	Left, Right *RenderNode            // BinaryOp

	Operations []OperationWiring // FunctionCall widgets only
}

type renderSource struct {
	Function   string                     `json:"function,omitempty"`
	Args       []json.RawMessage          `json:"args,omitempty"`
	Column     string                     `json:"column,omitempty"`
	Literal    *value.Value               `json:"literal,omitempty"`
	Array      []json.RawMessage          `json:"array,omitempty"`
	Object     map[string]json.RawMessage `json:"object,omitempty"`
	Op         string                     `json:"op,omitempty"`
	Left       json.RawMessage            `json:"left,omitempty"`
	Right      json.RawMessage            `json:"right,omitempty"`
	Operations []wiringSource             `json:"operations,omitempty"`
}

type wiringSource struct {
	Entity    string `json:"entity"`
	Op        string `json:"op"`
	Parameter string `json:"parameter"`
}

func parseRenderNode(raw json.RawMessage) (*RenderNode, error) {
	var src renderSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("query: render: %w", err)
	}

	switch {
	case src.Function != "":
		node := &RenderNode{Kind: NodeFunctionCall, Name: src.Function}
		for _, arg := range src.Args {
			child, err := parseRenderNode(arg)
			if err != nil {
				return nil, err
			}
			node.Args = append(node.Args, child)
		}
		for _, w := range src.Operations {
			node.Operations = append(node.Operations, OperationWiring{
				EntityName: w.Entity,
				OpName:     w.Op,
				Parameter:  w.Parameter,
			})
		}
		return node, nil
	case src.Column != "":
		return &RenderNode{Kind: NodeColumnRef, Name: src.Column}, nil
	case src.Literal != nil:
		return &RenderNode{Kind: NodeLiteral, Literal: *src.Literal}, nil
	case src.Array != nil:
		node := &RenderNode{Kind: NodeArray}
		for _, item := range src.Array {
			child, err := parseRenderNode(item)
			if err != nil {
				return nil, err
			}
			node.Items = append(node.Items, child)
		}
		return node, nil
	case src.Object != nil:
		node := &RenderNode{Kind: NodeObject, Fields: make(map[string]*RenderNode, len(src.Object))}
		for k, field := range src.Object {
			child, err := parseRenderNode(field)
			if err != nil {
				return nil, err
			}
			node.Fields[k] = child
		}
		return node, nil
	case src.Op != "":
		left, err := parseRenderNode(src.Left)
		if err != nil {
			return nil, err
		}
		right, err := parseRenderNode(src.Right)
		if err != nil {
			return nil, err
		}
		return &RenderNode{Kind: NodeBinaryOp, Name: src.Op, Left: left, Right: right}, nil
	}
	return nil, fmt.Errorf("query: render: node has no recognizable shape")
}

// ColumnRefs returns every column name the render tree reads, used by the
// optimizer to decide which derived columns are live.
func (n *RenderNode) ColumnRefs() []string {
	if n == nil {
		return nil
	}
	var out []string
	n.walk(func(node *RenderNode) {
		if node.Kind == NodeColumnRef {
			out = append(out, node.Name)
		}
	})
	return out
}

func (n *RenderNode) walk(fn func(*RenderNode)) {
	fn(n)
	for _, c := range n.Args {
		c.walk(fn)
	}
	for _, c := range n.Items {
		c.walk(fn)
	}
	for _, c := range n.Fields {
		c.walk(fn)
	}
	if n.Left != nil {
		n.Left.walk(fn)
	}
	if n.Right != nil {
		n.Right.walk(fn)
	}
}

// ResolveOperations fills each wiring's Descriptor via lookup. A wiring
// naming an operation the lookup does not know is an error: a front-end
// must never receive a widget wired to nothing.
func (n *RenderNode) ResolveOperations(lookup func(entityName, opName string) (operation.Descriptor, bool)) error {
	var resolveErr error
	n.walk(func(node *RenderNode) {
		for i := range node.Operations {
			w := &node.Operations[i]
			desc, ok := lookup(w.EntityName, w.OpName)
			if !ok {
				if resolveErr == nil {
					resolveErr = fmt.Errorf("query: render: no operation %s.%s to wire", w.EntityName, w.OpName)
				}
				continue
			}
			d := desc
			w.Descriptor = &d
		}
	})
	return resolveErr
}
