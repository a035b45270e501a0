package logquery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/logexport-api/internal/models"
	appErrors "github.com/noah-isme/logexport-api/pkg/errors"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(Fields{
		Timestamp:  "@timestamp",
		Menu:       "menu",
		Search:     []string{"message", "user"},
		Tiebreaker: "log_id",
		Timezone:   "Asia/Seoul",
	})
	require.NoError(t, err)
	return b
}

func validRequest() models.SearchRequest {
	return models.SearchRequest{
		Menu:        "audit",
		TimeFrom:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TimeTo:      time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		CurrentPage: 1,
		Limit:       100,
	}
}

func TestBuildAlwaysIncludesTimeRange(t *testing.T) {
	q, err := newTestBuilder(t).Build(validRequest())
	require.NoError(t, err)

	clauses := q.Clauses()
	require.Len(t, clauses, 2)

	rng := clauses[0]["range"].(map[string]interface{})["@timestamp"].(map[string]interface{})
	assert.Equal(t, "2026-01-01T09:00:00.000+09:00", rng["gte"])
	assert.Equal(t, "2026-01-02T09:00:00.000+09:00", rng["lte"])
	assert.Equal(t, "Asia/Seoul", rng["time_zone"])

	term := clauses[1]["term"].(map[string]interface{})
	assert.Equal(t, "audit", term["menu"])
	assert.False(t, q.HasTermClause())
}

func TestBuildAddsMultiMatchOnlyForNonEmptyTerm(t *testing.T) {
	req := validRequest()
	req.SearchTerm = "login failed"

	q, err := newTestBuilder(t).Build(req)
	require.NoError(t, err)
	require.True(t, q.HasTermClause())

	clauses := q.Clauses()
	require.Len(t, clauses, 3)
	mm := clauses[2]["multi_match"].(map[string]interface{})
	assert.Equal(t, "login failed", mm["query"])
	assert.Equal(t, "best_fields", mm["type"])
	assert.Equal(t, []string{"message", "user"}, mm["fields"])

	req.SearchTerm = "   "
	q, err = newTestBuilder(t).Build(req)
	require.NoError(t, err)
	assert.Len(t, q.Clauses(), 2)
}

func TestBuildLimitBoundaries(t *testing.T) {
	b := newTestBuilder(t)

	req := validRequest()
	req.Limit = models.MaxExportLimit
	_, err := b.Build(req)
	require.NoError(t, err)

	for _, limit := range []int{0, models.MaxExportLimit + 1, -5} {
		req.Limit = limit
		_, err = b.Build(req)
		require.ErrorIs(t, err, appErrors.ErrValidation, "limit %d", limit)
	}
}

func TestBuildRejectsInvalidRequests(t *testing.T) {
	b := newTestBuilder(t)

	noMenu := validRequest()
	noMenu.Menu = ""
	inverted := validRequest()
	inverted.TimeFrom, inverted.TimeTo = inverted.TimeTo, inverted.TimeFrom
	badPage := validRequest()
	badPage.CurrentPage = 0
	badCursor := validRequest()
	badCursor.Cursor = "%%%"

	for name, req := range map[string]models.SearchRequest{
		"empty menu":     noMenu,
		"inverted range": inverted,
		"page zero":      badPage,
		"bad cursor":     badCursor,
	} {
		_, err := b.Build(req)
		assert.ErrorIs(t, err, appErrors.ErrValidation, name)
	}
}

func TestBodyAddsSearchAfterFromCursor(t *testing.T) {
	q, err := newTestBuilder(t).Build(validRequest())
	require.NoError(t, err)

	body, err := q.Body(50, "")
	require.NoError(t, err)
	assert.NotContains(t, body, "search_after")
	assert.Equal(t, 50, body["size"])

	cursor, err := EncodeCursor([]interface{}{int64(1767225600123), "log-42"})
	require.NoError(t, err)

	body, err = q.Body(50, cursor)
	require.NoError(t, err)
	after := body["search_after"].([]interface{})
	require.Len(t, after, 2)
	assert.Equal(t, json.Number("1767225600123"), after[0])
	assert.Equal(t, "log-42", after[1])
}

func TestCountBodyHasNoSortOrSize(t *testing.T) {
	q, err := newTestBuilder(t).Build(validRequest())
	require.NoError(t, err)

	body := q.CountBody()
	assert.Contains(t, body, "query")
	assert.NotContains(t, body, "sort")
	assert.NotContains(t, body, "size")
}
