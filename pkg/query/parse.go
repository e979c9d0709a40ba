package query

import (
	"encoding/json"
	"fmt"
)

// The wire form of a query is JSON, the declarative request shape a query
// front-end submits. Grammar is the front-end's business; this package only
// consumes the parsed structure.

type querySource struct {
	Branches []branchSource  `json:"branches"`
	OrderBy  []string        `json:"order_by,omitempty"`
	Render   json.RawMessage `json:"render,omitempty"`
}

type branchSource struct {
	From    string         `json:"from"`
	Where   string         `json:"where,omitempty"`
	Columns []columnSource `json:"columns,omitempty"`
}

type columnSource struct {
	Name string `json:"name"`
	Expr string `json:"expr,omitempty"`
}

// Parse decodes a JSON query source into the pipeline AST.
func Parse(source []byte) (*Query, error) {
	var raw querySource
	if err := json.Unmarshal(source, &raw); err != nil {
		return nil, fmt.Errorf("query: parse: %w", err)
	}
	if len(raw.Branches) == 0 {
		return nil, fmt.Errorf("query: parse: no branches")
	}

	q := &Query{OrderBy: raw.OrderBy}
	for i, b := range raw.Branches {
		if b.From == "" {
			return nil, fmt.Errorf("query: parse: branch %d has no from", i)
		}
		branch := &Branch{From: b.From, Where: b.Where}
		for _, c := range b.Columns {
			if c.Name == "" {
				return nil, fmt.Errorf("query: parse: branch %d has an unnamed column", i)
			}
			branch.Columns = append(branch.Columns, Column{Name: c.Name, Expr: c.Expr})
		}
		q.Branches = append(q.Branches, branch)
	}

	if len(raw.Render) > 0 {
		node, err := parseRenderNode(raw.Render)
		if err != nil {
			return nil, err
		}
		q.Render = node
	}
	return q, nil
}
