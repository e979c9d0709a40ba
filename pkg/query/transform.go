package query

import (
	"fmt"
	"sort"
	"strings"
)

// Phase places a transform either before the optimizer prunes unused
// columns (on the pipeline AST) or right before SQL generation (on the
// relational AST).
type Phase int

const (
	PhasePre Phase = iota
	PhasePost
)

// Transform is one rewrite step. The pipeline sorts all registered
// transforms by (Phase, Priority), lower priority first, and applies them
// in order. New transforms must pick a priority that honors the dependency
// graph: column preservation before optimization, entity-name injection
// before change-origin injection before JSON aggregation.
type Transform interface {
	Name() string
	Phase() Phase
	Priority() int
}

// PreTransform rewrites the pipeline AST before optimization.
type PreTransform interface {
	Transform
	ApplyPre(q *Query) error
}

// PostTransform rewrites the relational AST before SQL generation.
type PostTransform interface {
	Transform
	ApplyPost(r *Relational) error
}

func sortTransforms(ts []Transform) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Phase() != ts[j].Phase() {
			return ts[i].Phase() < ts[j].Phase()
		}
		return ts[i].Priority() < ts[j].Priority()
	})
}

// ColumnPreservation appends a this.* entry to every branch of a union
// query so derived columns survive the optimizer's unused-column pruning.
// Without it, a union over heterogeneous entity types loses the very
// columns that make the branches comparable.
type ColumnPreservation struct{}

func (ColumnPreservation) Name() string  { return "column_preservation" }
func (ColumnPreservation) Phase() Phase  { return PhasePre }
func (ColumnPreservation) Priority() int { return -100 }

func (ColumnPreservation) ApplyPre(q *Query) error {
	if len(q.Branches) < 2 {
		return nil
	}
	for _, b := range q.Branches {
		if !b.HasStar() {
			b.Columns = append(b.Columns, Column{Star: true})
		}
	}
	return nil
}

// EntityTypeInjector adds a computed entity_name = '<table>' column to
// every select, making per-row operation dispatch unambiguous in union
// results.
type EntityTypeInjector struct{}

func (EntityTypeInjector) Name() string  { return "entity_type_injector" }
func (EntityTypeInjector) Phase() Phase  { return PhasePost }
func (EntityTypeInjector) Priority() int { return 10 }

// EntityNameColumn is the injected output column carrying the source table
// of each row.
const EntityNameColumn = "entity_name"

func (EntityTypeInjector) ApplyPost(r *Relational) error {
	for _, s := range r.Selects {
		if s.HasItem(EntityNameColumn) {
			continue
		}
		s.Items = append(s.Items, Item{Alias: EntityNameColumn, Expr: "'" + s.Table + "'"})
	}
	return nil
}

// ChangeOriginInjector adds the hidden _change_origin column to every
// select list, skipping wildcard selects (the wildcard already carries it)
// and selects that project it explicitly. This is what lets a UI correlate
// a live row update with a prior local operation.
type ChangeOriginInjector struct{}

func (ChangeOriginInjector) Name() string  { return "change_origin_injector" }
func (ChangeOriginInjector) Phase() Phase  { return PhasePost }
func (ChangeOriginInjector) Priority() int { return 100 }

// OriginColumn mirrors schema.ColumnChangeOrigin; declared here so the
// query layer does not depend on pkg/schema.
const OriginColumn = "_change_origin"

func (ChangeOriginInjector) ApplyPost(r *Relational) error {
	for _, s := range r.Selects {
		if s.HasStar() || s.HasItem(OriginColumn) {
			continue
		}
		s.Items = append(s.Items, Item{Alias: OriginColumn, Expr: OriginColumn})
	}
	return nil
}

// JsonAggregation validates union queries that aggregate heterogeneous
// rows into a json data column: when any branch derives data via an
// explicit json_object(...) call, every branch must project a data column.
// The transform never synthesizes the json call itself; the query author
// does.
type JsonAggregation struct {
	// Prio lets the host reorder this transform; it must stay after the
	// origin injection. Zero means the default.
	Prio int
}

func (JsonAggregation) Name() string { return "json_aggregation" }
func (JsonAggregation) Phase() Phase { return PhasePost }

func (t JsonAggregation) Priority() int {
	if t.Prio != 0 {
		return t.Prio
	}
	return 200
}

// DataColumn is the conventional alias of the aggregated json blob.
const DataColumn = "data"

func (JsonAggregation) ApplyPost(r *Relational) error {
	if len(r.Selects) < 2 {
		return nil
	}
	hasJSONData := false
	for _, s := range r.Selects {
		for _, it := range s.Items {
			if it.Alias == DataColumn && strings.Contains(it.Expr, "json_object(") {
				hasJSONData = true
			}
		}
	}
	if !hasJSONData {
		return nil
	}
	for _, s := range r.Selects {
		if !s.HasItem(DataColumn) {
			return fmt.Errorf("query: union branch over %s has no %q column", s.Table, DataColumn)
		}
	}
	return nil
}
