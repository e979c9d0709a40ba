package query

import "strings"

// generateSQL renders the relational AST as executable SQL. Branches are
// combined with UNION ALL: deduplication across heterogeneous entity types
// is meaningless and plain UNION would pay a sort for it.
func generateSQL(r *Relational) string {
	parts := make([]string, 0, len(r.Selects))
	for _, s := range r.Selects {
		parts = append(parts, generateSelect(s))
	}
	sql := strings.Join(parts, "\nUNION ALL\n")
	if len(r.OrderBy) > 0 {
		sql += "\nORDER BY " + strings.Join(r.OrderBy, ", ")
	}
	return sql
}

func generateSelect(s *Select) string {
	items := make([]string, 0, len(s.Items))
	for _, it := range s.Items {
		switch {
		case it.Star:
			items = append(items, s.Table+".*")
		case it.Expr == it.Alias:
			items = append(items, it.Expr)
		default:
			items = append(items, it.Expr+" AS "+it.Alias)
		}
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(items, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(s.Table)
	if s.Where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(s.Where)
	}
	return sb.String()
}
