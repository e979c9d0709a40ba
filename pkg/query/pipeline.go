package query

import (
	"strings"

	"github.com/syncstore/engine/pkg/logger"
)

// Pipeline holds the registered transforms and compiles queries through
// them: pre transforms -> optimizer -> lowering -> post transforms -> SQL.
type Pipeline struct {
	transforms []Transform
	log        *logger.Logger
}

// NewPipeline creates a Pipeline carrying the four required transforms.
func NewPipeline(log *logger.Logger) *Pipeline {
	return &Pipeline{
		log: log,
		transforms: []Transform{
			ColumnPreservation{},
			EntityTypeInjector{},
			ChangeOriginInjector{},
			JsonAggregation{},
		},
	}
}

// Register adds a transform. Bootstrap-time only; Compile sorts on every
// call so registration order does not matter.
func (p *Pipeline) Register(t Transform) {
	p.transforms = append(p.transforms, t)
}

// Compiled is the pipeline's output: the SQL text, the relational AST it
// was generated from (so callers can extract table names and shape), and
// the render specification.
type Compiled struct {
	SQL        string
	Relational *Relational
	Render     *RenderNode
}

// Compile runs source through the full pipeline.
func (p *Pipeline) Compile(source []byte) (*Compiled, error) {
	q, err := Parse(source)
	if err != nil {
		return nil, err
	}
	return p.CompileQuery(q)
}

// CompileQuery runs an already-parsed pipeline AST through the transforms.
// The input is mutated by the pre-phase transforms.
func (p *Pipeline) CompileQuery(q *Query) (*Compiled, error) {
	ts := make([]Transform, len(p.transforms))
	copy(ts, p.transforms)
	sortTransforms(ts)

	for _, t := range ts {
		pre, ok := t.(PreTransform)
		if !ok {
			continue
		}
		if err := pre.ApplyPre(q); err != nil {
			return nil, err
		}
	}

	optimize(q)
	rel := lower(q)

	for _, t := range ts {
		post, ok := t.(PostTransform)
		if !ok {
			continue
		}
		if err := post.ApplyPost(rel); err != nil {
			return nil, err
		}
	}

	sql := generateSQL(rel)
	if p.log != nil {
		p.log.Debug("query: compiled %d branch(es) into %d bytes of SQL", len(q.Branches), len(sql))
	}
	return &Compiled{SQL: sql, Relational: rel, Render: q.Render}, nil
}

// optimize prunes derived columns no downstream consumer references; when
// neither the render spec nor order_by references any column, nothing is
// pruned. A
// branch carrying a this.* preservation entry keeps its whole select list;
// that is the contract the ColumnPreservation transform relies on.
func optimize(q *Query) {
	live := make(map[string]struct{})
	for _, name := range q.Render.ColumnRefs() {
		live[name] = struct{}{}
	}
	for _, name := range q.OrderBy {
		live[strings.TrimSuffix(name, " DESC")] = struct{}{}
	}

	for _, b := range q.Branches {
		if b.HasStar() {
			continue
		}
		var kept []Column
		for _, c := range b.Columns {
			derived := c.Expr != "" && c.Expr != c.Name
			if derived && len(live) > 0 {
				if _, ok := live[c.Name]; !ok {
					continue
				}
			}
			kept = append(kept, c)
		}
		b.Columns = kept
	}
}

// lower converts the pipeline AST into the relational AST. The this.*
// preservation entries do not survive lowering: their whole job was
// protecting the select list through the optimizer, and projecting them
// into a union would break its fixed arity. A branch with no projected
// columns becomes a wildcard select.
func lower(q *Query) *Relational {
	rel := &Relational{OrderBy: q.OrderBy}
	for _, b := range q.Branches {
		s := &Select{Table: b.From, Where: b.Where}
		for _, c := range b.Columns {
			if c.Star {
				continue
			}
			expr := c.Expr
			if expr == "" {
				expr = c.Name
			}
			s.Items = append(s.Items, Item{Alias: c.Name, Expr: expr})
		}
		if len(s.Items) == 0 {
			s.Items = []Item{{Star: true}}
		}
		rel.Selects = append(rel.Selects, s)
	}
	return rel
}
