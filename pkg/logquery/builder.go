package logquery

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/noah-isme/logexport-api/internal/models"
	appErrors "github.com/noah-isme/logexport-api/pkg/errors"
)

// TimeLayout renders time bounds with an explicit offset so the store never guesses a zone.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Fields names the indexed document fields the builder targets.
type Fields struct {
	Timestamp  string
	Menu       string
	Search     []string
	Tiebreaker string
	Timezone   string
}

// Builder translates search requests into Elasticsearch query bodies.
type Builder struct {
	fields Fields
	loc    *time.Location
}

// NewBuilder validates field configuration and loads the store timezone.
func NewBuilder(fields Fields) (*Builder, error) {
	if fields.Timestamp == "" {
		fields.Timestamp = "@timestamp"
	}
	if fields.Menu == "" {
		fields.Menu = "menu"
	}
	if fields.Tiebreaker == "" {
		fields.Tiebreaker = "_doc"
	}
	if fields.Timezone == "" {
		fields.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(fields.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load store timezone %q: %w", fields.Timezone, err)
	}
	return &Builder{fields: fields, loc: loc}, nil
}

// Query is the structured form of one search request. It is immutable once built.
type Query struct {
	fields Fields
	menu   string
	from   string
	to     string
	term   string
	after  []interface{}
}

// Build validates req and returns its structured query.
func (b *Builder) Build(req models.SearchRequest) (*Query, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	after, err := DecodeCursor(req.Cursor)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "cursor is malformed")
	}

	return &Query{
		fields: b.fields,
		menu:   req.Menu,
		from:   req.TimeFrom.In(b.loc).Format(TimeLayout),
		to:     req.TimeTo.In(b.loc).Format(TimeLayout),
		term:   strings.TrimSpace(req.SearchTerm),
		after:  after,
	}, nil
}

// Validate applies the search request invariants.
func Validate(req models.SearchRequest) error {
	switch {
	case strings.TrimSpace(req.Menu) == "":
		return appErrors.Clone(appErrors.ErrValidation, "menu is required")
	case req.TimeFrom.IsZero() || req.TimeTo.IsZero():
		return appErrors.Clone(appErrors.ErrValidation, "timeFrom and timeTo are required")
	case req.TimeFrom.After(req.TimeTo):
		return appErrors.Clone(appErrors.ErrValidation, "timeFrom must not be after timeTo")
	case req.Limit < 1 || req.Limit > models.MaxExportLimit:
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("limit must be between 1 and %d", models.MaxExportLimit))
	case req.CurrentPage < 1:
		return appErrors.Clone(appErrors.ErrValidation, "currentPage must be at least 1")
	}
	return nil
}

// HasTermClause reports whether a free-text clause is part of the query.
func (q *Query) HasTermClause() bool {
	return q.term != ""
}

// Clauses returns the conjunctive clauses in a stable order: time range, menu, then text.
func (q *Query) Clauses() []map[string]interface{} {
	clauses := []map[string]interface{}{
		{
			"range": map[string]interface{}{
				q.fields.Timestamp: map[string]interface{}{
					"gte":       q.from,
					"lte":       q.to,
					"format":    "strict_date_optional_time",
					"time_zone": q.fields.Timezone,
				},
			},
		},
		{
			"term": map[string]interface{}{
				q.fields.Menu: q.menu,
			},
		},
	}
	if q.HasTermClause() {
		clauses = append(clauses, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  q.term,
				"fields": q.fields.Search,
				"type":   "best_fields",
			},
		})
	}
	return clauses
}

func (q *Query) boolQuery() map[string]interface{} {
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"must": q.Clauses(),
		},
	}
}

func (q *Query) sort() []map[string]interface{} {
	return []map[string]interface{}{
		{q.fields.Timestamp: map[string]interface{}{"order": "asc"}},
		{q.fields.Tiebreaker: map[string]interface{}{"order": "asc"}},
	}
}

// Body renders a cursor-paginated search body. An empty cursor starts from the
// request's own cursor, or the beginning of the result set.
func (q *Query) Body(size int, cursor string) (map[string]interface{}, error) {
	after := q.after
	if cursor != "" {
		decoded, err := DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		after = decoded
	}

	body := map[string]interface{}{
		"size":             size,
		"query":            q.boolQuery(),
		"sort":             q.sort(),
		"track_total_hits": false,
	}
	if len(after) > 0 {
		body["search_after"] = after
	}
	return body, nil
}

// CountBody renders the body for a _count request.
func (q *Query) CountBody() map[string]interface{} {
	return map[string]interface{}{"query": q.boolQuery()}
}

// PreviewBody renders an offset-paginated body for single page previews.
func (q *Query) PreviewBody(from, size int) map[string]interface{} {
	return map[string]interface{}{
		"from":             from,
		"size":             size,
		"query":            q.boolQuery(),
		"sort":             q.sort(),
		"track_total_hits": true,
	}
}

// EncodeCursor turns the sort values of the last hit into an opaque cursor.
func EncodeCursor(sortValues []interface{}) (string, error) {
	if len(sortValues) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(sortValues)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor reverses EncodeCursor. Numbers stay json.Number so long sort keys survive.
func DecodeCursor(cursor string) ([]interface{}, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var values []interface{}
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return values, nil
}
