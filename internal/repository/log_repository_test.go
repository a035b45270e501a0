package repository

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/logexport-api/internal/models"
	appErrors "github.com/noah-isme/logexport-api/pkg/errors"
	"github.com/noah-isme/logexport-api/pkg/logquery"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func esResponse(status int, body string) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("X-Elastic-Product", "Elasticsearch")
	return &http.Response{StatusCode: status, Header: header, Body: io.NopCloser(strings.NewReader(body))}
}

func newLogRepo(t *testing.T, rt roundTripFunc) *LogRepository {
	t.Helper()
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:  []string{"http://es.local:9200"},
		Transport:  rt,
		MaxRetries: 0,
	})
	require.NoError(t, err)
	return NewLogRepository(client, "logs-*")
}

func testQuery(t *testing.T) *logquery.Query {
	t.Helper()
	b, err := logquery.NewBuilder(logquery.Fields{Tiebreaker: "log_id"})
	require.NoError(t, err)
	q, err := b.Build(models.SearchRequest{
		Menu:        "audit",
		TimeFrom:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TimeTo:      time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		CurrentPage: 1,
		Limit:       10,
	})
	require.NoError(t, err)
	return q
}

func TestLogRepositoryCount(t *testing.T) {
	repo := newLogRepo(t, func(req *http.Request) (*http.Response, error) {
		require.True(t, strings.HasSuffix(req.URL.Path, "/_count"))
		return esResponse(http.StatusOK, `{"count": 250000}`), nil
	})

	count, err := repo.Count(context.Background(), testQuery(t))
	require.NoError(t, err)
	require.EqualValues(t, 250000, count)
}

func TestLogRepositoryPageBuildsNextCursor(t *testing.T) {
	var sent map[string]interface{}
	repo := newLogRepo(t, func(req *http.Request) (*http.Response, error) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&sent))
		return esResponse(http.StatusOK, `{"hits":{"hits":[
			{"_source":{"message":"a"},"sort":[1767225600000,"l1"]},
			{"_source":{"message":"b"},"sort":[1767225600001,"l2"]}
		]}}`), nil
	})

	page, err := repo.Page(context.Background(), testQuery(t), 2, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, "b", page.Records[1]["message"])
	require.True(t, page.HasMore())
	require.EqualValues(t, 2, sent["size"])

	after, err := logquery.DecodeCursor(page.NextCursor)
	require.NoError(t, err)
	require.Equal(t, json.Number("1767225600001"), after[0])
	require.Equal(t, "l2", after[1])
}

func TestLogRepositoryShortPageEndsPagination(t *testing.T) {
	repo := newLogRepo(t, func(req *http.Request) (*http.Response, error) {
		return esResponse(http.StatusOK, `{"hits":{"hits":[{"_source":{"message":"a"},"sort":[1,"l1"]}]}}`), nil
	})

	page, err := repo.Page(context.Background(), testQuery(t), 5, "")
	require.NoError(t, err)
	require.False(t, page.HasMore())
}

func TestLogRepositoryClassifiesErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	repo := newLogRepo(t, func(req *http.Request) (*http.Response, error) {
		return esResponse(status, `{"error":"busy"}`), nil
	})

	_, err := repo.Count(context.Background(), testQuery(t))
	require.ErrorIs(t, err, appErrors.ErrStoreUnavailable)

	status = http.StatusBadRequest
	_, err = repo.Page(context.Background(), testQuery(t), 5, "")
	require.ErrorIs(t, err, appErrors.ErrValidation)
}
