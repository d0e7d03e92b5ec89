package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/runreaper"
	"github.com/loykin/runreaper/pkg/client"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func startEngine(t *testing.T) (*runreaper.Engine, string) {
	t.Helper()
	cfg, err := runreaper.LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Metrics.Enabled = false
	e, err := runreaper.New(context.Background(), cfg, runreaper.WithLogger(quiet))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	srv := httptest.NewServer(e.Handler())
	t.Cleanup(srv.Close)
	return e, srv.URL + "/api"
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetArgs(args)
	root.SetErr(io.Discard)
	err := root.Execute()
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	root := buildRoot(io.Discard)
	want := []string{"serve", "heartbeat", "reconcile", "providers", "runs", "cleanup", "queue"}
	for _, name := range want {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Fatalf("command %s missing: %v", name, err)
		}
	}
}

func TestRunsViaAPI(t *testing.T) {
	e, api := startEngine(t)
	if err := e.Store().Put(context.Background(), "run.U123.status", "Running"); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := execute(t, "runs", "--api-url", api)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	var rs []client.Run
	if err := json.Unmarshal([]byte(out), &rs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(rs) != 1 || rs[0].Name != "U123" || rs[0].Status != "Running" {
		t.Fatalf("unexpected runs: %+v", rs)
	}

	if _, err := execute(t, "runs", "--api-url", api, "--name", "U999"); err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestReconcileViaAPI(t *testing.T) {
	_, api := startEngine(t)
	out, err := execute(t, "reconcile", "--provider", "credentials", "--api-url", api)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !strings.Contains(out, "Reconciled credentials") {
		t.Fatalf("unexpected output: %q", out)
	}
	if _, err := execute(t, "reconcile", "--provider", "nope", "--api-url", api); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestReconcileRequiresProvider(t *testing.T) {
	if _, err := execute(t, "reconcile"); err == nil {
		t.Fatalf("expected missing flag error")
	}
}

func TestCleanupAndQueue(t *testing.T) {
	_, api := startEngine(t)
	if _, err := execute(t, "cleanup", "--run", "U7", "--api-url", api); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	out, err := execute(t, "queue", "--api-url", api)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	var q client.Queue
	if err := json.Unmarshal([]byte(out), &q); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if q.Depth != 1 {
		t.Fatalf("expected depth 1, got %d", q.Depth)
	}
}

func TestProvidersViaAPI(t *testing.T) {
	_, api := startEngine(t)
	out, err := execute(t, "providers", "--api-url", api)
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	if !strings.Contains(out, `"credentials"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestReconcileLocal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runreaper.toml")
	conf := `
[dss]
dsn = "sqlite://` + filepath.Join(dir, "dss.db") + `"

[metrics]
enabled = false
`
	if err := os.WriteFile(path, []byte(conf), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	out, err := execute(t, "reconcile", "--local", "--provider", "credentials", "--config", path)
	if err != nil {
		t.Fatalf("reconcile --local: %v", err)
	}
	if !strings.Contains(out, "Reconciled credentials") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, "") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestRedactDSN(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"postgres://reaper:s3cret@db:5432/dss?sslmode=disable", "postgres://reaper:xxxxx@db:5432/dss?sslmode=disable"},
		{"host=db user=reaper password=s3cret dbname=dss", "host=db user=reaper password=xxxxx dbname=dss"},
		{"host=db PASSWORD='s3 cret' dbname=dss", "host=db PASSWORD=xxxxx dbname=dss"},
		{"/var/lib/runreaper/dss.db", "/var/lib/runreaper/dss.db"},
		{":memory:", ":memory:"},
	}
	for _, c := range cases {
		got := redactDSN(c.in)
		if got != c.want {
			t.Errorf("redactDSN(%q) = %q, want %q", c.in, got, c.want)
		}
		if strings.Contains(got, "s3") {
			t.Errorf("redactDSN(%q) leaked the password: %q", c.in, got)
		}
	}
}
