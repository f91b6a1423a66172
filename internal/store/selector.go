package store

import (
	"encoding/json"
	"strings"

	"golang.org/x/text/cases"

	"github.com/tillsync/tillsync/internal/models"
)

// Selector is a field-based predicate over document bodies. A plain value
// means equality; a Cond applies a comparison or substring operator. All
// conditions must hold for a document to match.
type Selector map[string]interface{}

// Op is a selector operator.
type Op string

const (
	OpEq       Op = "eq"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpContains Op = "contains" // case-folded substring match on text fields
)

// Cond pairs an operator with its operand.
type Cond struct {
	Op    Op
	Value interface{}
}

// Condition helpers for readable call sites.
func Eq(v interface{}) Cond  { return Cond{Op: OpEq, Value: v} }
func Gt(v interface{}) Cond  { return Cond{Op: OpGt, Value: v} }
func Gte(v interface{}) Cond { return Cond{Op: OpGte, Value: v} }
func Lt(v interface{}) Cond  { return Cond{Op: OpLt, Value: v} }
func Lte(v interface{}) Cond { return Cond{Op: OpLte, Value: v} }
func Contains(s string) Cond { return Cond{Op: OpContains, Value: s} }

var foldCaser = cases.Fold()

// Matches evaluates the selector against a document in memory. This is the
// authoritative predicate; SQL translation only narrows the candidate set.
func (s Selector) Matches(doc *models.Document) bool {
	for field, raw := range s {
		cond, ok := raw.(Cond)
		if !ok {
			cond = Cond{Op: OpEq, Value: raw}
		}
		if !matchCond(doc.Fields[field], cond) {
			return false
		}
	}
	return true
}

func matchCond(value interface{}, cond Cond) bool {
	if cond.Op == OpContains {
		s, ok := value.(string)
		want, okW := cond.Value.(string)
		if !ok || !okW {
			return false
		}
		return strings.Contains(foldCaser.String(s), foldCaser.String(want))
	}

	if fv, fw, ok := bothNumbers(value, cond.Value); ok {
		return compareOrdered(fv, fw, cond.Op)
	}
	if sv, ok := value.(string); ok {
		if sw, ok := cond.Value.(string); ok {
			return compareOrderedStrings(sv, sw, cond.Op)
		}
		return false
	}
	if bv, ok := value.(bool); ok {
		bw, okW := cond.Value.(bool)
		return cond.Op == OpEq && okW && bv == bw
	}
	return false
}

func bothNumbers(a, b interface{}) (float64, float64, bool) {
	fa, okA := asNumber(a)
	fb, okB := asNumber(b)
	return fa, fb, okA && okB
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func compareOrdered(v, w float64, op Op) bool {
	switch op {
	case OpEq:
		return v == w
	case OpGt:
		return v > w
	case OpGte:
		return v >= w
	case OpLt:
		return v < w
	case OpLte:
		return v <= w
	}
	return false
}

func compareOrderedStrings(v, w string, op Op) bool {
	switch op {
	case OpEq:
		return v == w
	case OpGt:
		return v > w
	case OpGte:
		return v >= w
	case OpLt:
		return v < w
	case OpLte:
		return v <= w
	}
	return false
}

// sqlClauses translates the SQL-expressible subset of the selector into
// json_extract conditions so declared indexes can narrow the scan. Contains
// conditions stay in-memory only.
func (s Selector) sqlClauses() (clauses []string, args []interface{}) {
	for field, raw := range s {
		cond, ok := raw.(Cond)
		if !ok {
			cond = Cond{Op: OpEq, Value: raw}
		}
		op, ok := sqlOp(cond.Op)
		if !ok || !plainFieldName(field) {
			continue
		}
		switch cond.Value.(type) {
		case string, float64, float32, int, int64, bool:
			clauses = append(clauses, "json_extract(body, '$."+field+"') "+op+" ?")
			args = append(args, cond.Value)
		}
	}
	return clauses, args
}

// plainFieldName guards the json_extract path: only simple identifiers go
// into SQL text, anything else is matched in memory.
func plainFieldName(field string) bool {
	if field == "" {
		return false
	}
	for _, r := range field {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func sqlOp(op Op) (string, bool) {
	switch op {
	case OpEq:
		return "=", true
	case OpGt:
		return ">", true
	case OpGte:
		return ">=", true
	case OpLt:
		return "<", true
	case OpLte:
		return "<=", true
	}
	return "", false
}
