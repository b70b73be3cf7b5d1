package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/foreman/internal/provider"
	"github.com/nidhogg/foreman/internal/task"
	"github.com/nidhogg/foreman/internal/worker"
)

// ReasonDecisionError marks decisions forced by an unusable oracle reply
// (transport exhaustion, malformed JSON, or an unknown role).
const ReasonDecisionError = "decision_error"

// ReasonBudgetExhausted marks decisions forced by the iteration budget.
const ReasonBudgetExhausted = "max_iterations reached"

const systemPrompt = `You are a task supervisor coordinating specialist workers.
Given the task state, decide the single next action. Reply with exactly one
JSON object and nothing else:
{"next_role": "<researcher|analyst|writer|reviewer>", "completed": <bool>, "reason": "<short justification>"}
Set "completed" true only when the work satisfies the task's goal.`

// historyWindow bounds how many recent steps are rendered for the oracle.
const historyWindow = 6

// Decision is the routing verdict for one step.
type Decision struct {
	NextRole  worker.Role `json:"next_role"`
	Completed bool        `json:"completed"`
	Reason    string      `json:"reason"`
}

// Oracle is the slice of the provider router the supervisor needs.
type Oracle interface {
	Complete(ctx context.Context, role string, req *provider.Request) (*provider.Response, error)
}

// Config tunes supervisor decisions.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Supervisor consults the reasoning service to route tasks between worker
// roles. It never fails a task: every unusable reply degrades to completion
// so submitters always get what was produced so far.
type Supervisor struct {
	oracle Oracle
	cfg    Config
	logger *zap.Logger
}

func New(oracle Oracle, cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Supervisor{oracle: oracle, cfg: cfg, logger: logger}
}

// Decide produces the next routing decision for a task snapshot. The budget
// check runs locally first; the oracle is never consulted for a task that has
// already spent its iterations.
func (s *Supervisor) Decide(ctx context.Context, snapshot *task.Task) *Decision {
	if snapshot.IterationCount >= snapshot.MaxIterations {
		return &Decision{Completed: true, Reason: ReasonBudgetExhausted}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	resp, err := s.oracle.Complete(callCtx, string(worker.RoleSupervisor), &provider.Request{
		Model:       s.cfg.Model,
		System:      systemPrompt,
		Prompt:      renderContext(snapshot),
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		s.logger.Warn("supervisor oracle unavailable",
			zap.String("task_id", snapshot.ID),
			zap.Error(err))
		return &Decision{Completed: true, Reason: ReasonDecisionError}
	}

	dec, err := parseDecision(resp.Content)
	if err != nil {
		s.logger.Warn("unusable supervisor reply",
			zap.String("task_id", snapshot.ID),
			zap.String("reply", truncate(resp.Content, 200)),
			zap.Error(err))
		return &Decision{Completed: true, Reason: ReasonDecisionError}
	}
	return dec
}

// renderContext builds the compact task state the oracle decides from.
func renderContext(snapshot *task.Task) string {
	state := map[string]any{
		"query":            snapshot.Query,
		"task_type":        snapshot.TaskType,
		"completed_agents": snapshot.CompletedAgents,
		"iteration_count":  snapshot.IterationCount,
		"max_iterations":   snapshot.MaxIterations,
		"recent_steps":     renderHistory(snapshot.History),
	}
	raw, _ := json.MarshalIndent(state, "", "  ")
	return fmt.Sprintf("Current task state:\n%s\n\nDecide the next action.", raw)
}

func renderHistory(history []task.StepRecord) []map[string]string {
	start := 0
	if len(history) > historyWindow {
		start = len(history) - historyWindow
	}
	steps := make([]map[string]string, 0, len(history)-start)
	for _, rec := range history[start:] {
		step := map[string]string{
			"role":   rec.AgentRole,
			"output": truncate(rec.Output, 400),
		}
		if rec.Err != "" {
			step["error"] = rec.Err
		}
		steps = append(steps, step)
	}
	return steps
}

// parseDecision extracts the first JSON object from the oracle reply and
// validates it against the closed role set.
func parseDecision(content string) (*Decision, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	var wire struct {
		NextRole  string `json:"next_role"`
		Completed bool   `json:"completed"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}

	dec := &Decision{Completed: wire.Completed, Reason: wire.Reason}
	if dec.Completed {
		return dec, nil
	}

	role, ok := worker.ParseRole(wire.NextRole)
	if !ok {
		return nil, fmt.Errorf("unknown role %q", wire.NextRole)
	}
	dec.NextRole = role
	return dec, nil
}

// extractJSON returns the first balanced JSON object in the text. Oracles
// routinely wrap their answer in prose or code fences.
func extractJSON(content string) (string, error) {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in reply")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return content[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in reply")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
