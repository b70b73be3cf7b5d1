package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/foreman/internal/knowledge"
	"github.com/nidhogg/foreman/internal/provider"
	"github.com/nidhogg/foreman/internal/task"
	"github.com/nidhogg/foreman/internal/tool"
)

// Oracle is the slice of the provider router the invoker needs.
type Oracle interface {
	Complete(ctx context.Context, role string, req *provider.Request) (*provider.Response, error)
}

// Searcher performs web search for the researcher role.
type Searcher interface {
	Search(ctx context.Context, query string) ([]tool.Snippet, error)
}

// Recaller retrieves prior task results for the researcher role.
type Recaller interface {
	Search(ctx context.Context, query string, topK int) ([]knowledge.Result, error)
}

// StepResult captures one worker invocation, successful or not.
type StepResult struct {
	Role         Role
	InputContext string
	Output       string
	Success      bool
	Err          string
}

// Config tunes worker invocations.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Invoker runs role-scoped completions against the reasoning service. The
// search client and knowledge base are optional; when absent the researcher
// works from the task query alone.
type Invoker struct {
	oracle Oracle
	search Searcher
	recall Recaller
	cfg    Config
	logger *zap.Logger
}

func NewInvoker(oracle Oracle, search Searcher, recall Recaller, cfg Config, logger *zap.Logger) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &Invoker{
		oracle: oracle,
		search: search,
		recall: recall,
		cfg:    cfg,
		logger: logger,
	}
}

// Invoke runs one worker step against a task snapshot. The returned result is
// always non-nil; transport or provider failures are folded into Err with
// Success false so the caller can record the step and keep routing.
func (iv *Invoker) Invoke(ctx context.Context, role Role, snapshot *task.Task) *StepResult {
	input := iv.buildContext(ctx, role, snapshot)
	res := &StepResult{Role: role, InputContext: input}

	callCtx, cancel := context.WithTimeout(ctx, iv.cfg.Timeout)
	defer cancel()

	resp, err := iv.oracle.Complete(callCtx, string(role), &provider.Request{
		Model:       iv.cfg.Model,
		System:      Instructions(role),
		Prompt:      input,
		Temperature: iv.cfg.Temperature,
		MaxTokens:   iv.cfg.MaxTokens,
	})
	if err != nil {
		iv.logger.Warn("worker invocation failed",
			zap.String("task_id", snapshot.ID),
			zap.String("role", string(role)),
			zap.Error(err))
		res.Err = err.Error()
		return res
	}

	res.Output = resp.Content
	res.Success = true
	return res
}

// buildContext assembles the role's input from the task query and the prior
// outputs that role is allowed to see. The researcher additionally consults
// web search and the knowledge base; failures there are noted in the prompt
// rather than failing the step.
func (iv *Invoker) buildContext(ctx context.Context, role Role, snapshot *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", snapshot.Query)
	if snapshot.TaskType != "" {
		fmt.Fprintf(&b, "Task type: %s\n", snapshot.TaskType)
	}

	switch role {
	case RoleResearcher:
		iv.appendSearch(ctx, &b, snapshot.Query)
		iv.appendRecall(ctx, &b, snapshot.Query)
	case RoleAnalyst:
		appendOutput(&b, snapshot, RoleResearcher, "Research findings")
	case RoleWriter:
		appendOutput(&b, snapshot, RoleResearcher, "Research findings")
		appendOutput(&b, snapshot, RoleAnalyst, "Analysis")
	case RoleReviewer:
		appendOutput(&b, snapshot, RoleResearcher, "Research findings")
		appendOutput(&b, snapshot, RoleAnalyst, "Analysis")
		appendOutput(&b, snapshot, RoleWriter, "Draft")
	}

	return b.String()
}

func (iv *Invoker) appendSearch(ctx context.Context, b *strings.Builder, query string) {
	if iv.search == nil {
		return
	}
	snippets, err := iv.search.Search(ctx, query)
	if err != nil {
		iv.logger.Warn("web search unavailable", zap.Error(err))
		b.WriteString("\n(web search unavailable; rely on internal knowledge)\n")
		return
	}
	if len(snippets) == 0 {
		return
	}
	b.WriteString("\nSearch results:\n")
	for _, s := range snippets {
		fmt.Fprintf(b, "- %s (%s): %s\n", s.Title, s.URL, s.Content)
	}
}

func (iv *Invoker) appendRecall(ctx context.Context, b *strings.Builder, query string) {
	if iv.recall == nil {
		return
	}
	results, err := iv.recall.Search(ctx, query, 3)
	if err != nil {
		iv.logger.Warn("knowledge recall unavailable", zap.Error(err))
		return
	}
	if len(results) == 0 {
		return
	}
	b.WriteString("\nRelated prior results:\n")
	for _, r := range results {
		fmt.Fprintf(b, "- %s\n", r.Content)
	}
}

// appendOutput adds the most recent successful output from a role, if any.
func appendOutput(b *strings.Builder, snapshot *task.Task, role Role, heading string) {
	for i := len(snapshot.History) - 1; i >= 0; i-- {
		rec := snapshot.History[i]
		if rec.AgentRole == string(role) && rec.Err == "" && rec.Output != "" {
			fmt.Fprintf(b, "\n%s:\n%s\n", heading, rec.Output)
			return
		}
	}
}
