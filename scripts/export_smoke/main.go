package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/noah-isme/logexport-api/internal/dto"
	"github.com/noah-isme/logexport-api/internal/models"
	appErrors "github.com/noah-isme/logexport-api/pkg/errors"
)

type envelope[T any] struct {
	Data  T                `json:"data"`
	Error *appErrors.Error `json:"error"`
}

type fileResult struct {
	File     dto.ExportFile
	Rows     int
	Columns  int
	Duration time.Duration
	Error    error
}

func main() {
	var (
		base     string
		menu     string
		from     string
		to       string
		term     string
		limit    int
		outDir   string
		timeout  time.Duration
		interval time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080/api/v1", "API base URL including prefix")
	flag.StringVar(&menu, "menu", "", "Log menu to export")
	flag.StringVar(&from, "from", time.Now().Add(-24*time.Hour).UTC().Format(time.RFC3339), "Range start (RFC3339)")
	flag.StringVar(&to, "to", time.Now().UTC().Format(time.RFC3339), "Range end (RFC3339)")
	flag.StringVar(&term, "search", "", "Free-text search term")
	flag.IntVar(&limit, "limit", 1000, "Maximum rows to export")
	flag.StringVar(&outDir, "out", filepath.Join(os.TempDir(), "export_smoke"), "Directory for downloaded chunks")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "Overall deadline")
	flag.DurationVar(&interval, "poll", 2*time.Second, "Status poll interval")
	flag.Parse()

	if menu == "" {
		log.Fatal("-menu is required")
	}
	timeFrom, err := time.Parse(time.RFC3339, from)
	if err != nil {
		log.Fatalf("invalid -from: %v", err)
	}
	timeTo, err := time.Parse(time.RFC3339, to)
	if err != nil {
		log.Fatalf("invalid -to: %v", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	base = strings.TrimRight(base, "/")

	accepted, err := startExport(client, base, dto.ExportRequest{
		Menu:       menu,
		TimeFrom:   timeFrom,
		TimeTo:     timeTo,
		SearchTerm: term,
		Limit:      &limit,
	})
	if err != nil {
		log.Fatalf("failed to start export: %v", err)
	}
	fmt.Printf("Export %s accepted\n", accepted.ID)

	status, err := waitForCompletion(client, base, accepted.ID, interval, time.Now().Add(timeout))
	if err != nil {
		log.Fatalf("export did not finish: %v", err)
	}
	if status.Status == models.DownloadStatusFailed {
		code, msg := "", ""
		if status.ErrorCode != nil {
			code = *status.ErrorCode
		}
		if status.Error != nil {
			msg = *status.Error
		}
		fmt.Printf("Export failed: %s %s\n", code, msg)
		os.Exit(1)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.Fatalf("failed to create output dir: %v", err)
	}
	results := make([]fileResult, 0, len(status.Files))
	for _, file := range status.Files {
		results = append(results, downloadFile(client, base, outDir, file))
	}

	printReport(status, results)
	for _, res := range results {
		if res.Error != nil {
			os.Exit(1)
		}
	}
}

func startExport(client *http.Client, base string, req dto.ExportRequest) (*dto.ExportResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := client.Post(base+"/exports", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope[dto.ExportResponse]
	if err := decode(resp, http.StatusAccepted, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

func waitForCompletion(client *http.Client, base, id string, interval time.Duration, deadline time.Time) (*dto.DownloadStatusResponse, error) {
	for time.Now().Before(deadline) {
		resp, err := client.Get(base + "/exports/" + id)
		if err != nil {
			return nil, err
		}
		var env envelope[dto.DownloadStatusResponse]
		err = decode(resp, http.StatusOK, &env)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		fmt.Printf("  %s %d/%d rows (%d%%), %d file(s)\n", env.Data.Status, env.Data.ProcessedRows, env.Data.TotalRows, env.Data.Progress, len(env.Data.Files))
		if env.Data.Status.Terminal() {
			return &env.Data, nil
		}
		time.Sleep(interval)
	}
	return nil, errors.New("deadline exceeded")
}

func downloadFile(client *http.Client, base, outDir string, file dto.ExportFile) (res fileResult) {
	res.File = file
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	link := file.URL
	if strings.HasPrefix(link, "/") {
		link = origin(base) + link
	}
	resp, err := client.Get(link)
	if err != nil {
		res.Error = err
		return res
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		res.Error = fmt.Errorf("unexpected status %d", resp.StatusCode)
		return res
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		res.Error = err
		return res
	}
	if err := os.WriteFile(filepath.Join(outDir, file.DisplayName), data, 0o644); err != nil {
		res.Error = err
		return res
	}

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		res.Error = fmt.Errorf("parse csv: %w", err)
		return res
	}
	if len(records) > 0 {
		res.Columns = len(records[0])
		res.Rows = len(records) - 1
	}
	return res
}

// origin strips the path from base so root-relative file links resolve against the host.
func origin(base string) string {
	scheme := ""
	if i := strings.Index(base, "://"); i >= 0 {
		scheme, base = base[:i+3], base[i+3:]
	}
	if i := strings.Index(base, "/"); i >= 0 {
		base = base[:i]
	}
	return scheme + base
}

func decode[T any](resp *http.Response, want int, env *envelope[T]) error {
	if err := json.NewDecoder(resp.Body).Decode(env); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != want {
		if env.Error != nil {
			return env.Error
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func printReport(status *dto.DownloadStatusResponse, results []fileResult) {
	fmt.Println("Export Smoke Report")
	fmt.Println("===================")
	fmt.Printf("Export %s: %s, %d/%d rows\n", status.ID, status.Status, status.ProcessedRows, status.TotalRows)
	total := 0
	for _, res := range results {
		if res.Error != nil {
			fmt.Printf("[ERROR] %s: %v\n", res.File.DisplayName, res.Error)
			continue
		}
		total += res.Rows
		fmt.Printf("[OK] %s rows=%d columns=%d (%s)\n", res.File.DisplayName, res.Rows, res.Columns, res.Duration)
	}
	fmt.Printf("Downloaded rows: %d (processed %d)\n", total, status.ProcessedRows)
}
