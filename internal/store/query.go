package store

import (
	"fmt"
	"strings"
	"time"
)

// Dialect captures the bind-parameter differences between the SQL backends.
type Dialect struct {
	Placeholder func(n int) string
	Time        func(t time.Time) any
}

var Postgres = Dialect{
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	Time:        func(t time.Time) any { return t.UTC() },
}

// TimeLayout is the fixed-width text layout used where timestamps are stored
// as text, so lexical order matches time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

var SQLite = Dialect{
	Placeholder: func(int) string { return "?" },
	Time:        func(t time.Time) any { return t.UTC().Format(TimeLayout) },
}

// Where renders the filter as a SQL predicate list (without pagination)
// over the transactions table columns.
func (f TransactionFilter) Where(d Dialect) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, d.Placeholder(len(args))))
	}

	if len(f.States) > 0 {
		ph := make([]string, 0, len(f.States))
		for _, s := range f.States {
			args = append(args, string(s))
			ph = append(ph, d.Placeholder(len(args)))
		}
		clauses = append(clauses, "review_state IN ("+strings.Join(ph, ", ")+")")
	}
	if f.MinConfidence != nil {
		add("confidence >= %s", *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		add("confidence <= %s", *f.MaxConfidence)
	}
	if f.Currency != "" {
		add("currency = %s", f.Currency)
	}
	if f.Direction != "" {
		add("direction = %s", string(f.Direction))
	}
	if f.Category != "" {
		add("category = %s", string(f.Category))
	}
	if f.From != nil {
		add("occurred_at >= %s", d.Time(*f.From))
	}
	if f.To != nil {
		add("occurred_at <= %s", d.Time(*f.To))
	}
	if f.NeedsReview != nil {
		add("needs_review = %s", *f.NeedsReview)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
