// Package query implements the declarative query compilation pipeline: a
// phased sequence of AST transforms that rewrites a parsed query so its
// results carry per-row entity identity, change origin, and render metadata
// suitable for operation dispatch.
package query

// Query is the logical "pipeline" AST, the pre-optimization form a parsed
// query arrives in. A query with more than one branch is a union/append;
// every branch contributes rows to the same result set.
type Query struct {
	Branches []*Branch
	OrderBy  []string
	Render   *RenderNode
}

// Branch is one source pipeline: a table scan with a select list and an
// optional filter.
type Branch struct {
	From    string
	Where   string
	Columns []Column
}

// Column is one select-list entry. Expr is a SQL expression; when empty the
// column projects the field named by Name directly. Star marks the
// "this.*" preservation entry appended by the ColumnPreservation transform.
type Column struct {
	Name string
	Expr string
	Star bool
}

// HasStar reports whether the branch already carries a this.* entry.
func (b *Branch) HasStar() bool {
	for _, c := range b.Columns {
		if c.Star {
			return true
		}
	}
	return false
}

// HasColumn reports whether the branch projects an output column named
// name.
func (b *Branch) HasColumn(name string) bool {
	for _, c := range b.Columns {
		if !c.Star && c.Name == name {
			return true
		}
	}
	return false
}

// Relational is the post-optimization AST, the form SQL is generated from.
// More than one Select means UNION ALL in order.
type Relational struct {
	Selects []*Select
	OrderBy []string
}

// Select is one relational SELECT over a single table.
type Select struct {
	Table string
	Where string
	Items []Item
}

// Item is one projected expression with its output alias. Star renders as
// "table.*".
type Item struct {
	Alias string
	Expr  string
	Star  bool
}

// HasItem reports whether the select already projects alias.
func (s *Select) HasItem(alias string) bool {
	for _, it := range s.Items {
		if !it.Star && it.Alias == alias {
			return true
		}
	}
	return false
}

// HasStar reports whether the select projects the table wildcard.
func (s *Select) HasStar() bool {
	for _, it := range s.Items {
		if it.Star {
			return true
		}
	}
	return false
}

// Tables returns the distinct source table names, in first-appearance
// order. The coordinator's query watcher uses this to filter CDC events to
// the tables a live query actually reads.
func (r *Relational) Tables() []string {
	seen := make(map[string]struct{}, len(r.Selects))
	var out []string
	for _, s := range r.Selects {
		if _, ok := seen[s.Table]; ok {
			continue
		}
		seen[s.Table] = struct{}{}
		out = append(out, s.Table)
	}
	return out
}
