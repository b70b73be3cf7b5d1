//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("foreman_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { _ = testcontainers.TerminateContainer(container) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { _ = testcontainers.TerminateContainer(container) }
	return url, cleanup, nil
}

// oracleServer is an OpenAI-compatible fake that plays both the supervisor
// and the workers. Supervisor calls walk the routing script; worker calls
// get role-tagged canned output.
type oracleServer struct {
	mu      sync.Mutex
	routing []string // JSON decision per supervisor call, last repeats
	calls   int
	*httptest.Server
}

func newOracleServer(routing ...string) *oracleServer {
	o := &oracleServer{routing: routing}
	o.Server = httptest.NewServer(http.HandlerFunc(o.handle))
	return o
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

func (o *oracleServer) handle(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var system, user string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			user = m.Content
		}
	}

	var content string
	if strings.Contains(system, "task supervisor") {
		o.mu.Lock()
		i := o.calls
		o.calls++
		if i >= len(o.routing) {
			i = len(o.routing) - 1
		}
		content = o.routing[i]
		o.mu.Unlock()
	} else {
		content = workerReply(system, user)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":    "cmpl-e2e",
		"model": "fake-model",
		"choices": []map[string]any{
			{
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 10, "total_tokens": 20},
	})
}

func workerReply(system, user string) string {
	switch {
	case strings.Contains(system, "research specialist"):
		return "Research: three relevant sources located."
	case strings.Contains(system, "analysis specialist"):
		return "Analysis: the sources agree on the main point."
	case strings.Contains(system, "writing specialist"):
		return "Draft: a concise summary of the findings."
	case strings.Contains(system, "quality reviewer"):
		return "Review: the draft is accurate and complete."
	default:
		return "ok: " + user
	}
}
