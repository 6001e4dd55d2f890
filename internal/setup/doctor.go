package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fenilsonani/webmail/internal/config"
	"github.com/fenilsonani/webmail/internal/docstore/sqlite"
)

// Check statuses
const (
	StatusPass = "pass"
	StatusFail = "fail"
	StatusWarn = "warn"
)

// CheckResult represents the result of a single check
type CheckResult struct {
	Name    string
	Status  string
	Message string
	Help    string
}

// DoctorResults contains all doctor check results
type DoctorResults struct {
	Checks  []CheckResult
	Passed  int
	Failed  int
	Warned  int
	Healthy bool
}

type check func(ctx context.Context, cfg *config.Config) CheckResult

// RunDoctor checks a deployment against cfg. An invalid configuration
// stops the run since the remaining checks read it.
func RunDoctor(ctx context.Context, cfg *config.Config) *DoctorResults {
	results := &DoctorResults{}

	checks := []check{
		checkConfig,
		checkHealthEndpoint,
		checkDatabase,
		checkDataDir,
		checkChangeFeed,
	}

	for i, c := range checks {
		result := c(ctx, cfg)
		results.add(result)
		if i == 0 && result.Status == StatusFail {
			break
		}
	}

	results.Healthy = results.Failed == 0
	return results
}

func (r *DoctorResults) add(result CheckResult) {
	r.Checks = append(r.Checks, result)
	switch result.Status {
	case StatusPass:
		r.Passed++
	case StatusFail:
		r.Failed++
	case StatusWarn:
		r.Warned++
	}
}

// Print writes the results as a report.
func (r *DoctorResults) Print(w io.Writer) {
	fmt.Fprintln(w, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w, "                    HEALTH CHECK")
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w)

	for _, c := range r.Checks {
		icon := "✓"
		color := "\033[32m" // green
		if c.Status == StatusFail {
			icon = "✗"
			color = "\033[31m" // red
		} else if c.Status == StatusWarn {
			icon = "!"
			color = "\033[33m" // yellow
		}
		reset := "\033[0m"

		fmt.Fprintf(w, "%s%s%s %s\n", color, icon, reset, c.Name)
		if c.Message != "" {
			fmt.Fprintf(w, "  %s\n", c.Message)
		}
		if c.Status == StatusFail && c.Help != "" {
			fmt.Fprintf(w, "  → %s\n", c.Help)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "Results: %d passed, %d failed, %d warnings\n", r.Passed, r.Failed, r.Warned)

	if r.Healthy {
		fmt.Fprintln(w, "\033[32m✓ Webmail is healthy!\033[0m")
	} else {
		fmt.Fprintln(w, "\033[31m✗ Webmail has issues. Check above.\033[0m")
	}
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if err := cfg.Validate(); err != nil {
		return CheckResult{
			Name:    "Configuration",
			Status:  StatusFail,
			Message: err.Error(),
			Help:    "Fix the config file or regenerate it with: webmail config init --force",
		}
	}
	return CheckResult{
		Name:    "Configuration",
		Status:  StatusPass,
		Message: fmt.Sprintf("Storage driver %s, listening on %s", cfg.Storage.Driver, cfg.ListenAddr()),
	}
}

// probeAddr turns a wildcard listen address into one a local client can dial.
func probeAddr(cfg *config.Config) string {
	host := cfg.Server.Listen
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}

func checkHealthEndpoint(ctx context.Context, cfg *config.Config) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := "http://" + probeAddr(cfg) + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return CheckResult{Name: "Health Endpoint", Status: StatusFail, Message: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    "Health Endpoint",
			Status:  StatusFail,
			Message: "Cannot reach health endpoint",
			Help:    "Start the server with: webmail serve",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return CheckResult{
			Name:    "Health Endpoint",
			Status:  StatusPass,
			Message: "Health endpoint responding OK",
		}
	}

	return CheckResult{
		Name:    "Health Endpoint",
		Status:  StatusWarn,
		Message: fmt.Sprintf("Health endpoint returned %d", resp.StatusCode),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg.Storage.Driver == "memory" {
		return CheckResult{
			Name:    "Database",
			Status:  StatusWarn,
			Message: "Memory driver in use; mail is lost on restart",
		}
	}

	path := cfg.Storage.DatabasePath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{
			Name:    "Database",
			Status:  StatusFail,
			Message: "Database file does not exist",
			Help:    "Run: webmail migrate",
		}
	}

	db, err := sqlite.OpenDB(path)
	if err != nil {
		return CheckResult{
			Name:    "Database",
			Status:  StatusFail,
			Message: "Cannot open database",
			Help:    err.Error(),
		}
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	version, err := db.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{
			Name:    "Database",
			Status:  StatusFail,
			Message: "Database not responding",
			Help:    err.Error(),
		}
	}
	if version == 0 {
		return CheckResult{
			Name:    "Database",
			Status:  StatusFail,
			Message: "Database tables missing",
			Help:    "Run: webmail migrate",
		}
	}

	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Database connected (schema version %d)", version),
	}
}

func checkDataDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg.Storage.Driver == "memory" {
		return CheckResult{Name: "Data Directory", Status: StatusPass, Message: "Not used by the memory driver"}
	}
	path := cfg.Storage.DataDir

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{
			Name:    "Data Directory",
			Status:  StatusFail,
			Message: "Data directory does not exist",
			Help:    fmt.Sprintf("Create: mkdir -p %s", path),
		}
	}
	if err != nil || !info.IsDir() {
		return CheckResult{
			Name:    "Data Directory",
			Status:  StatusFail,
			Message: "Data path is not a directory",
		}
	}

	testFile := filepath.Join(path, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return CheckResult{
			Name:    "Data Directory",
			Status:  StatusFail,
			Message: "Data directory is not writable",
			Help:    fmt.Sprintf("Fix the permissions on %s", path),
		}
	}
	f.Close()
	os.Remove(testFile)

	return CheckResult{
		Name:    "Data Directory",
		Status:  StatusPass,
		Message: "Data directory is writable",
	}
}

func checkChangeFeed(ctx context.Context, cfg *config.Config) CheckResult {
	if !cfg.Feed.Enabled {
		return CheckResult{
			Name:    "Change Feed",
			Status:  StatusPass,
			Message: "Disabled; live updates are local to one process",
		}
	}

	opts, err := redis.ParseURL(cfg.Feed.RedisURL)
	if err != nil {
		return CheckResult{
			Name:    "Change Feed",
			Status:  StatusFail,
			Message: "Invalid Redis URL",
			Help:    err.Error(),
		}
	}
	opts.DialTimeout = 3 * time.Second
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return CheckResult{
			Name:    "Change Feed",
			Status:  StatusFail,
			Message: "Redis not reachable",
			Help:    err.Error(),
		}
	}

	return CheckResult{
		Name:    "Change Feed",
		Status:  StatusPass,
		Message: "Redis is reachable",
	}
}
