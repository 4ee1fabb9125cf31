package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/store"
)

// runMigrate connects to Postgres and applies the schema. The schema
// statements are idempotent, so this is safe to run repeatedly.
func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("no database configured: set database.url or DATABASE_URL")
	}

	pg, err := store.OpenPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pg.Close()

	fmt.Println("Database schema is up to date.")
	return nil
}

// runStatus queries a running server's health and queue endpoints.
func runStatus(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	base := fmt.Sprintf("http://%s:%d", host, cfg.Server.HTTPPort)
	client := &http.Client{Timeout: 5 * time.Second}

	health, err := getJSON(ctx, client, base+"/healthz")
	if err != nil {
		return fmt.Errorf("server unreachable at %s: %w", base, err)
	}
	stats, err := getJSON(ctx, client, base+"/api/queue/stats")
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}

	out := map[string]any{
		"server": base,
		"health": health,
		"queue":  stats,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func getJSON(ctx context.Context, client *http.Client, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var v map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
