package database

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/noah-isme/logexport-api/pkg/config"
)

// NewElasticsearch returns a configured log store client after a successful ping.
func NewElasticsearch(cfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	esCfg := elasticsearch.Config{
		Addresses:  cfg.Addresses,
		MaxRetries: 0,
	}
	if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}
	if cfg.RequestTimeout > 0 {
		esCfg.Transport = &http.Transport{ResponseHeaderTimeout: cfg.RequestTimeout}
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if err := PingElasticsearch(context.Background(), client); err != nil {
		return nil, err
	}

	return client, nil
}

// PingElasticsearch checks the log store within a short timeout.
func PingElasticsearch(ctx context.Context, client *elasticsearch.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := client.Ping(client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping failed: %w", err)
	}
	defer res.Body.Close() //nolint:errcheck

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping error: %s", res.Status())
	}
	return nil
}
