package repo

import (
	"fmt"
	"strings"
)

// Search terms take the form "field:op:value" and compose with AND. Fields
// and operators are whitelisted per entity; the value is always bound as a
// query parameter.
var searchOps = map[string]string{
	"eq":   "=",
	"ne":   "!=",
	"gt":   ">",
	"gte":  ">=",
	"lt":   "<",
	"lte":  "<=",
	"like": "LIKE",
}

var taskSearchFields = map[string]string{
	"name":              "name",
	"type":              "type",
	"status":            "status",
	"timestamp":         "timestamp",
	"completed":         "completed",
	"priority":          "priority",
	"completion_window": "completion_window",
}

var messageSearchFields = map[string]string{
	"kind":           "kind",
	"source_id":      "source_id",
	"scheduled_time": "scheduled_time",
	"ttl_seconds":    "ttl_seconds",
	"delivered":      "delivered",
	"title":          "title",
}

func searchConditions(terms []string, fields map[string]string) ([]string, []any, error) {
	var clauses []string
	var args []any
	for _, term := range terms {
		parts := strings.SplitN(term, ":", 3)
		if len(parts) != 3 {
			return nil, nil, fmt.Errorf("invalid search term %q: want field:op:value", term)
		}
		column, ok := fields[parts[0]]
		if !ok {
			return nil, nil, fmt.Errorf("unknown search field %q", parts[0])
		}
		op, ok := searchOps[parts[1]]
		if !ok {
			return nil, nil, fmt.Errorf("unknown search operator %q", parts[1])
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", column, op))
		args = append(args, parts[2])
	}
	return clauses, args, nil
}
