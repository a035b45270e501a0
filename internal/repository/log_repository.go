package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/noah-isme/logexport-api/internal/models"
	appErrors "github.com/noah-isme/logexport-api/pkg/errors"
	"github.com/noah-isme/logexport-api/pkg/logquery"
)

// LogRepository reads log documents from Elasticsearch.
type LogRepository struct {
	client *elasticsearch.Client
	index  string
}

// NewLogRepository constructs the repository over index (patterns allowed).
func NewLogRepository(client *elasticsearch.Client, index string) *LogRepository {
	return &LogRepository{client: client, index: index}
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source models.LogRecord `json:"_source"`
			Sort   []interface{}    `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

// Count returns the number of documents matching q.
func (r *LogRepository) Count(ctx context.Context, q *logquery.Query) (int64, error) {
	body, err := encodeBody(q.CountBody())
	if err != nil {
		return 0, err
	}
	req := esapi.CountRequest{
		Index: []string{r.index},
		Body:  body,
	}
	res, err := req.Do(ctx, r.client)
	if err != nil {
		return 0, transportError(ctx, "count logs", err)
	}
	defer res.Body.Close() //nolint:errcheck

	if res.IsError() {
		return 0, responseError("count logs", res)
	}

	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, appErrors.WrapAs(appErrors.ErrStoreUnavailable, err, "decode count response")
	}
	return out.Count, nil
}

// Page fetches up to size documents after cursor in sort order.
func (r *LogRepository) Page(ctx context.Context, q *logquery.Query, size int, cursor string) (*models.LogPage, error) {
	payload, err := q.Body(size, cursor)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrValidation, err, "cursor is malformed")
	}
	result, err := r.search(ctx, payload)
	if err != nil {
		return nil, err
	}

	page := &models.LogPage{Records: make([]models.LogRecord, 0, len(result.Hits.Hits))}
	for _, hit := range result.Hits.Hits {
		page.Records = append(page.Records, hit.Source)
	}
	if n := len(result.Hits.Hits); n > 0 && n == size {
		next, err := logquery.EncodeCursor(result.Hits.Hits[n-1].Sort)
		if err != nil {
			return nil, err
		}
		page.NextCursor = next
	}
	return page, nil
}

// Preview fetches one offset page with the total hit count.
func (r *LogRepository) Preview(ctx context.Context, q *logquery.Query, from, size int) (*models.LogPage, error) {
	result, err := r.search(ctx, q.PreviewBody(from, size))
	if err != nil {
		return nil, err
	}
	page := &models.LogPage{
		Records:   make([]models.LogRecord, 0, len(result.Hits.Hits)),
		TotalRows: result.Hits.Total.Value,
	}
	for _, hit := range result.Hits.Hits {
		page.Records = append(page.Records, hit.Source)
	}
	return page, nil
}

func (r *LogRepository) search(ctx context.Context, payload map[string]interface{}) (*searchResponse, error) {
	body, err := encodeBody(payload)
	if err != nil {
		return nil, err
	}
	req := esapi.SearchRequest{
		Index: []string{r.index},
		Body:  body,
	}
	res, err := req.Do(ctx, r.client)
	if err != nil {
		return nil, transportError(ctx, "search logs", err)
	}
	defer res.Body.Close() //nolint:errcheck

	if res.IsError() {
		return nil, responseError("search logs", res)
	}

	var result searchResponse
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrStoreUnavailable, err, "decode search response")
	}
	return &result, nil
}

func encodeBody(payload map[string]interface{}) (io.Reader, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	return &buf, nil
}

func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return appErrors.WrapAs(appErrors.ErrStoreUnavailable, err, op+" failed")
}

// responseError maps store responses: overload and server faults are transient, the
// rest mean the query itself was rejected.
func responseError(op string, res *esapi.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err := fmt.Errorf("%s: %s: %s", op, res.Status(), bytes.TrimSpace(raw))
	if res.StatusCode >= http.StatusInternalServerError || res.StatusCode == http.StatusTooManyRequests {
		return appErrors.WrapAs(appErrors.ErrStoreUnavailable, err, op+" failed")
	}
	return appErrors.WrapAs(appErrors.ErrValidation, err, "log store rejected the query")
}
