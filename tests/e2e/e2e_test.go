//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/foreman/internal/api"
	"github.com/nidhogg/foreman/internal/engine"
	"github.com/nidhogg/foreman/internal/notify"
	"github.com/nidhogg/foreman/internal/provider"
	"github.com/nidhogg/foreman/internal/supervisor"
	"github.com/nidhogg/foreman/internal/task"
	"github.com/nidhogg/foreman/internal/worker"
)

var (
	testLogger   *zap.Logger
	testPGStore  *task.PGStore
	testRedisURL string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testPGStore, err = task.NewPGStore(ctx, pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testPGStore.Close()

	if err := testPGStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

// newStack wires a full engine against the real PostgreSQL store, the real
// Redis mirror, and the scripted oracle, then serves it over HTTP.
func newStack(t *testing.T, oracle *oracleServer) *httptest.Server {
	t.Helper()

	router := provider.NewRouter(provider.RetryPolicy{Attempts: 2, Delay: 50 * time.Millisecond}, testLogger)
	router.Register(provider.NewOpenAIProvider(provider.Config{
		ID:       "e2e-oracle",
		Type:     "openai",
		Name:     "E2E Oracle",
		Endpoint: oracle.URL,
		APIKey:   "test",
	}, testLogger))

	stream, err := notify.NewStream(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	t.Cleanup(func() { stream.Close() })

	sup := supervisor.New(router, supervisor.Config{Model: "fake-model"}, testLogger)
	invoker := worker.NewInvoker(router, nil, nil, worker.Config{Model: "fake-model"}, testLogger)
	notifier := notify.NewNotifier(64, testLogger)

	eng := engine.New(testPGStore, sup, invoker, notifier,
		engine.Hooks{Mirror: stream}, engine.Config{MaxIterations: 10}, testLogger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	ts := httptest.NewServer(api.NewHandler(eng, testLogger).Router())
	t.Cleanup(ts.Close)
	return ts
}

func submitTask(t *testing.T, ts *httptest.Server, body map[string]any) string {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+"/api/tasks", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out.TaskID
}

func waitTerminal(t *testing.T, ts *httptest.Server, id string) task.Task {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	var got task.Task
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/tasks/" + id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()
		if got.Status.Terminal() {
			return got
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("task %s never terminal, last status %q", id, got.Status)
	return got
}

func TestTaskLifecycleThroughPostgres(t *testing.T) {
	oracle := newOracleServer(
		`{"next_role": "researcher", "completed": false, "reason": "gather facts"}`,
		`{"next_role": "writer", "completed": false, "reason": "write it up"}`,
		`{"next_role": "", "completed": true, "reason": "goal met"}`,
	)
	defer oracle.Close()
	ts := newStack(t, oracle)

	id := submitTask(t, ts, map[string]any{"query": "summarize release readiness"})
	final := waitTerminal(t, ts, id)

	if final.Status != task.StatusCompleted {
		t.Fatalf("status = %q, error %q", final.Status, final.Error)
	}
	if len(final.History) != 2 {
		t.Fatalf("history = %d", len(final.History))
	}
	if final.History[0].AgentRole != "researcher" || final.History[1].AgentRole != "writer" {
		t.Errorf("roles = %q, %q", final.History[0].AgentRole, final.History[1].AgentRole)
	}
	if final.IterationCount != 2 {
		t.Errorf("iteration_count = %d", final.IterationCount)
	}

	// The row in PostgreSQL matches what the API served.
	stored, err := testPGStore.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("pg get: %v", err)
	}
	if stored.Status != task.StatusCompleted || len(stored.History) != 2 {
		t.Errorf("stored status %q history %d", stored.Status, len(stored.History))
	}
	if stored.Result == "" {
		t.Error("stored result empty")
	}

	// Every state change was mirrored to the task's Redis stream.
	opts, err := redis.ParseURL(testRedisURL)
	if err != nil {
		t.Fatalf("redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	entries, err := rdb.XRange(context.Background(), "foreman:tasks:"+id, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) < 3 {
		t.Fatalf("stream entries = %d, want at least running + 2 steps", len(entries))
	}
	var last task.Summary
	if err := json.Unmarshal([]byte(entries[len(entries)-1].Values["data"].(string)), &last); err != nil {
		t.Fatalf("decode stream entry: %v", err)
	}
	if last.Status != task.StatusCompleted {
		t.Errorf("last mirrored status = %q", last.Status)
	}
}

func TestBudgetStopsRunawayRouting(t *testing.T) {
	oracle := newOracleServer(
		`{"next_role": "researcher", "completed": false, "reason": "keep digging"}`,
	)
	defer oracle.Close()
	ts := newStack(t, oracle)

	id := submitTask(t, ts, map[string]any{"query": "never-ending research", "max_iterations": 3})
	final := waitTerminal(t, ts, id)

	if final.Status != task.StatusCompleted {
		t.Fatalf("status = %q", final.Status)
	}
	if final.Error != "" {
		t.Errorf("budget completion must not set error: %q", final.Error)
	}
	if len(final.History) != 3 {
		t.Errorf("history = %d, want 3", len(final.History))
	}
}

func TestUnusableOracleReplyCompletes(t *testing.T) {
	oracle := newOracleServer(
		`{"next_role": "researcher", "completed": false, "reason": "ok"}`,
		`the next step should probably be the planner`,
	)
	defer oracle.Close()
	ts := newStack(t, oracle)

	id := submitTask(t, ts, map[string]any{"query": "prose-only supervisor"})
	final := waitTerminal(t, ts, id)

	if final.Status != task.StatusCompleted {
		t.Fatalf("status = %q", final.Status)
	}
	if final.Error != "" {
		t.Errorf("error = %q", final.Error)
	}
	if len(final.History) != 1 {
		t.Errorf("history = %d, want the one step before the bad reply", len(final.History))
	}
}
