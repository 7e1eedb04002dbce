//go:build integration

package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/dqrules/internal/config"
)

// setupTestDB creates a PostgreSQL testcontainer and runs migrations
func setupTestDB(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	migrationSQL, err := os.ReadFile("../../migrations/000001_initial_schema.up.sql")
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return connStr, func() { postgres.Terminate(ctx) }
}

func postgresConfig(url string) *config.Config {
	return &config.Config{
		StoreBackend: config.BackendPostgres,
		DatabaseURL:  url,
		Rules:        config.RulesConfig{RejectCycles: true},
	}
}

// TestEndToEnd_RuleGraphOnPostgres exercises the whole API against a real database:
// 1. Create tenant
// 2. Create a dependency chain
// 3. Reject a cycle
// 4. Delete the root and check the scrub
// 5. Restart and reload tenants from the database
func TestEndToEnd_RuleGraphOnPostgres(t *testing.T) {
	url, cleanup := setupTestDB(t)
	defer cleanup()

	manager, db, err := newManager(postgresConfig(url))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer db.Close()

	ts := httptest.NewServer(NewServer(manager, db))
	defer ts.Close()
	baseURL := ts.URL + "/api/v1"

	t.Log("Step 1: Creating tenant...")
	tenantResp := makeRequest(t, "POST", baseURL+"/tenants", map[string]any{"name": "acme"})
	tenantID := tenantResp["id"].(string)
	rulesURL := baseURL + "/tenants/" + tenantID + "/rules"

	t.Log("Step 2: Creating rules A <- B <- C...")
	a := makeRequest(t, "POST", rulesURL, map[string]any{"name": "A", "active": true})["id"].(float64)
	b := makeRequest(t, "POST", rulesURL, map[string]any{"name": "B", "active": true, "dependency_query_ids": []float64{a}})["id"].(float64)
	c := makeRequest(t, "POST", rulesURL, map[string]any{"name": "C", "active": true, "dependency_query_ids": []float64{b}})["id"].(float64)

	plan := makeRequest(t, "GET", baseURL+"/tenants/"+tenantID+"/plan", nil)
	if levels := plan["levels"].([]any); len(levels) != 3 {
		t.Errorf("Expected 3 plan levels, got %d", len(levels))
	}

	t.Log("Step 3: Closing a cycle (should fail)...")
	resp, err := makeHTTPRequest("PATCH", fmt.Sprintf("%s/%d", rulesURL, int64(a)), map[string]any{"dependency_query_ids": []float64{c}})
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 Conflict, got %d", resp.StatusCode)
	}

	t.Log("Step 4: Deleting A...")
	resp, err = makeHTTPRequest("DELETE", fmt.Sprintf("%s/%d", rulesURL, int64(a)), nil)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", resp.StatusCode)
	}
	gotB := makeRequest(t, "GET", fmt.Sprintf("%s/%d", rulesURL, int64(b)), nil)
	if deps := gotB["dependency_query_ids"].([]any); len(deps) != 0 {
		t.Errorf("Expected B to lose its dependency on A, got %v", deps)
	}

	t.Log("Step 5: Reloading tenants...")
	reloaded, db2, err := newManager(postgresConfig(url))
	if err != nil {
		t.Fatalf("Failed to reload manager: %v", err)
	}
	defer db2.Close()
	ws, err := reloaded.Workspace(tenantID)
	if err != nil {
		t.Fatalf("Tenant not reloaded: %v", err)
	}
	if n, _ := ws.Engine.ActiveCount(); n != 2 {
		t.Errorf("Expected 2 active rules after reload, got %d", n)
	}
}

// Helper function to make HTTP requests and decode a JSON object response
func makeRequest(t *testing.T, method, url string, body any) map[string]any {
	resp, err := makeHTTPRequest(method, url, body)
	if err != nil {
		t.Fatalf("Failed to make %s request to %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return result
}

// Helper function to make raw HTTP requests
func makeHTTPRequest(method, url string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}
