package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestLogger(t *testing.T) (*Logger, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "audit.db")+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger, err := NewLogger(context.Background(), db)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return logger, db
}

func TestNewLogger(t *testing.T) {
	_, db := setupTestLogger(t)

	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='audit_log'").Scan(&tableName)
	if err != nil {
		t.Errorf("audit_log table was not created: %v", err)
	}
}

func TestNilLogger(t *testing.T) {
	logger, err := NewLogger(context.Background(), nil)
	if err != nil || logger != nil {
		t.Fatalf("NewLogger(nil) = %v, %v; want nil, nil", logger, err)
	}

	ctx := context.Background()
	if err := logger.Log(ctx, "ann@example.com", EventLoginSuccess, "", nil, ""); err != nil {
		t.Errorf("Log() on nil logger error = %v", err)
	}
	if events, err := logger.Query(ctx, QueryFilter{}); events != nil || err != nil {
		t.Errorf("Query() on nil logger = %v, %v", events, err)
	}
	if n, err := logger.Count(ctx, QueryFilter{}); n != 0 || err != nil {
		t.Errorf("Count() on nil logger = %d, %v", n, err)
	}
}

func TestQuery(t *testing.T) {
	logger, _ := setupTestLogger(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []struct {
		actor  string
		action EventType
		target string
	}{
		{"ann@example.com", EventLoginSuccess, ""},
		{"ann@example.com", EventMessageSend, "m1"},
		{"ann@example.com", EventMessageDelete, "m1"},
		{"bob@example.com", EventMessageSend, "m2"},
		{"mallory", EventLoginFailure, "ann@example.com"},
	}
	for i, e := range events {
		at := base.Add(time.Duration(i) * time.Minute)
		logger.now = func() time.Time { return at }
		if err := logger.Log(ctx, e.actor, e.action, e.target, nil, "10.0.0.1"); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter QueryFilter
		want   int
	}{
		{"all", QueryFilter{}, 5},
		{"by actor", QueryFilter{Actor: "ann@example.com"}, 3},
		{"by action", QueryFilter{Action: EventMessageSend}, 2},
		{"by target", QueryFilter{Target: "m1"}, 2},
		{"combined", QueryFilter{Actor: "ann@example.com", Action: EventMessageSend}, 1},
		{"time range", QueryFilter{StartTime: base.Add(time.Minute), EndTime: base.Add(3 * time.Minute)}, 3},
		{"limit", QueryFilter{Limit: 2}, 2},
		{"offset", QueryFilter{Offset: 4}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := logger.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Query() returned %d events, want %d", len(got), tt.want)
			}
			if tt.filter.Limit == 0 && tt.filter.Offset == 0 {
				n, err := logger.Count(ctx, tt.filter)
				if err != nil || n != tt.want {
					t.Errorf("Count() = %d, %v; want %d", n, err, tt.want)
				}
			}
		})
	}

	latest, _ := logger.Query(ctx, QueryFilter{Limit: 1})
	if len(latest) != 1 || latest[0].Action != EventLoginFailure {
		t.Errorf("Query() not newest first: %+v", latest)
	}
}

func TestEventFields(t *testing.T) {
	logger, _ := setupTestLogger(t)
	ctx := context.Background()

	details := map[string]any{"kind": "forward", "recipients": 2}
	if err := logger.Log(ctx, "ann@example.com", EventMessageSend, "m9", details, "192.168.1.100"); err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	events, err := logger.Query(ctx, QueryFilter{Actor: "ann@example.com"})
	if err != nil || len(events) != 1 {
		t.Fatalf("Query() = %v, %v", events, err)
	}
	e := events[0]
	if e.ID == 0 || e.Action != EventMessageSend || e.Target != "m9" || e.IPAddress != "192.168.1.100" {
		t.Errorf("event = %+v", e)
	}
	if e.Details["kind"] != "forward" || e.Details["recipients"] != float64(2) {
		t.Errorf("Details = %v", e.Details)
	}
	if time.Since(e.Timestamp) > time.Minute {
		t.Errorf("Timestamp = %v, want recent", e.Timestamp)
	}
}

func TestPrune(t *testing.T) {
	logger, _ := setupTestLogger(t)
	ctx := context.Background()

	old := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	logger.now = func() time.Time { return old }
	logger.Log(ctx, "ann@example.com", EventLoginSuccess, "", nil, "")
	logger.now = time.Now
	logger.Log(ctx, "ann@example.com", EventLoginSuccess, "", nil, "")

	n, err := logger.Prune(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || n != 1 {
		t.Fatalf("Prune() = %d, %v; want 1", n, err)
	}
	if count, _ := logger.Count(ctx, QueryFilter{}); count != 1 {
		t.Errorf("Count() after prune = %d, want 1", count)
	}
}

func TestConcurrentLogging(t *testing.T) {
	logger, _ := setupTestLogger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := logger.Log(ctx, "ann@example.com", EventMessageSend, "m", nil, ""); err != nil {
					t.Errorf("Log() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if count, _ := logger.Count(ctx, QueryFilter{}); count != 100 {
		t.Errorf("Count() = %d, want 100", count)
	}
}
