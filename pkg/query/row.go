package query

import (
	"database/sql"
	"encoding/json"

	"github.com/syncstore/engine/pkg/change"
	"github.com/syncstore/engine/pkg/value"
)

// Row is one dynamic query result: a key -> Value mapping tagged with the
// entity it came from and, when the row carries a _change_origin column,
// the origin of its last write. Front-ends pair EntityName with the
// dispatcher's OperationsFor to compute per-row actions.
type Row struct {
	EntityName string
	Origin     *change.Origin
	Values     map[string]value.Value
}

// ScanRows decodes every row of a result set. Column types are recovered
// from the driver's dynamic values rather than a schema: a compiled union
// query has no single schema to decode against.
func ScanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		scanned := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range scanned {
			ptrs[i] = &scanned[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, decodeDynamicRow(cols, scanned))
	}
	return out, rows.Err()
}

func decodeDynamicRow(cols []string, scanned []interface{}) Row {
	row := Row{Values: make(map[string]value.Value, len(cols))}
	for i, col := range cols {
		switch col {
		case EntityNameColumn:
			if s, ok := asString(scanned[i]); ok {
				row.EntityName = s
			}
		case OriginColumn:
			if s, ok := asString(scanned[i]); ok && s != "" {
				var o change.Origin
				if err := json.Unmarshal([]byte(s), &o); err == nil {
					row.Origin = &o
				}
			}
		default:
			row.Values[col] = dynamicValue(scanned[i])
		}
	}
	return row
}

func asString(raw interface{}) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

func dynamicValue(raw interface{}) value.Value {
	switch v := raw.(type) {
	case nil:
		return value.Null()
	case bool:
		return value.Bool(v)
	case int64:
		return value.Int64(v)
	case float64:
		return value.Float64(v)
	case string:
		if json.Valid([]byte(v)) && len(v) > 0 && (v[0] == '{' || v[0] == '[') {
			return value.JSON(json.RawMessage(v))
		}
		return value.String(v)
	case []byte:
		s := string(v)
		if json.Valid(v) && len(v) > 0 && (v[0] == '{' || v[0] == '[') {
			return value.JSON(json.RawMessage(s))
		}
		return value.String(s)
	}
	return value.Null()
}
