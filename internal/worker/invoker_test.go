package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/foreman/internal/knowledge"
	"github.com/nidhogg/foreman/internal/provider"
	"github.com/nidhogg/foreman/internal/task"
	"github.com/nidhogg/foreman/internal/tool"
)

type fakeOracle struct {
	lastRole   string
	lastPrompt string
	lastSystem string
	content    string
	err        error
}

func (f *fakeOracle) Complete(_ context.Context, role string, req *provider.Request) (*provider.Response, error) {
	f.lastRole = role
	f.lastPrompt = req.Prompt
	f.lastSystem = req.System
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Response{Content: f.content}, nil
}

type fakeSearch struct {
	snippets []tool.Snippet
	err      error
}

func (f *fakeSearch) Search(context.Context, string) ([]tool.Snippet, error) {
	return f.snippets, f.err
}

type fakeRecall struct {
	results []knowledge.Result
}

func (f *fakeRecall) Search(context.Context, string, int) ([]knowledge.Result, error) {
	return f.results, nil
}

func newSnapshot(history ...task.StepRecord) *task.Task {
	return &task.Task{
		ID:      "t1",
		Query:   "summarize quarterly trends",
		History: history,
	}
}

func TestParseRole(t *testing.T) {
	for _, name := range []string{"researcher", "analyst", "writer", "reviewer"} {
		if _, ok := ParseRole(name); !ok {
			t.Errorf("ParseRole(%q) not recognized", name)
		}
	}
	if _, ok := ParseRole("supervisor"); ok {
		t.Error("supervisor must not be a routing target")
	}
	if _, ok := ParseRole("planner"); ok {
		t.Error("unknown role accepted")
	}
}

func TestInvokeSuccess(t *testing.T) {
	oracle := &fakeOracle{content: "findings"}
	iv := NewInvoker(oracle, nil, nil, Config{Timeout: time.Second}, zap.NewNop())

	res := iv.Invoke(context.Background(), RoleResearcher, newSnapshot())
	if !res.Success {
		t.Fatalf("expected success, got err %q", res.Err)
	}
	if res.Output != "findings" {
		t.Errorf("output = %q", res.Output)
	}
	if oracle.lastRole != "researcher" {
		t.Errorf("oracle role = %q", oracle.lastRole)
	}
	if !strings.Contains(oracle.lastSystem, "research specialist") {
		t.Errorf("system prompt missing role instructions: %q", oracle.lastSystem)
	}
	if res.InputContext == "" {
		t.Error("input context not recorded")
	}
}

func TestInvokeFailureIsNonFatal(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("upstream 503")}
	iv := NewInvoker(oracle, nil, nil, Config{}, zap.NewNop())

	res := iv.Invoke(context.Background(), RoleWriter, newSnapshot())
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Err, "upstream 503") {
		t.Errorf("err = %q", res.Err)
	}
	if res.Role != RoleWriter {
		t.Errorf("role = %q", res.Role)
	}
}

func TestResearcherContextIncludesSearchAndRecall(t *testing.T) {
	oracle := &fakeOracle{content: "ok"}
	search := &fakeSearch{snippets: []tool.Snippet{
		{Title: "Q3 report", URL: "https://example.com/q3", Content: "revenue up 12%"},
	}}
	recall := &fakeRecall{results: []knowledge.Result{{Content: "prior Q2 summary"}}}
	iv := NewInvoker(oracle, search, recall, Config{}, zap.NewNop())

	iv.Invoke(context.Background(), RoleResearcher, newSnapshot())
	if !strings.Contains(oracle.lastPrompt, "revenue up 12%") {
		t.Errorf("prompt missing search snippet: %q", oracle.lastPrompt)
	}
	if !strings.Contains(oracle.lastPrompt, "prior Q2 summary") {
		t.Errorf("prompt missing recalled result: %q", oracle.lastPrompt)
	}
}

func TestSearchFailureFoldedIntoPrompt(t *testing.T) {
	oracle := &fakeOracle{content: "ok"}
	search := &fakeSearch{err: errors.New("timeout")}
	iv := NewInvoker(oracle, search, nil, Config{}, zap.NewNop())

	res := iv.Invoke(context.Background(), RoleResearcher, newSnapshot())
	if !res.Success {
		t.Fatal("search failure must not fail the step")
	}
	if !strings.Contains(oracle.lastPrompt, "web search unavailable") {
		t.Errorf("prompt missing degradation note: %q", oracle.lastPrompt)
	}
}

func TestRoleContextVisibility(t *testing.T) {
	history := []task.StepRecord{
		{AgentRole: "researcher", Output: "RESEARCH-OUT"},
		{AgentRole: "analyst", Output: "ANALYSIS-OUT"},
		{AgentRole: "writer", Output: "DRAFT-OUT"},
	}

	cases := []struct {
		role    Role
		want    []string
		exclude []string
	}{
		{RoleAnalyst, []string{"RESEARCH-OUT"}, []string{"DRAFT-OUT"}},
		{RoleWriter, []string{"RESEARCH-OUT", "ANALYSIS-OUT"}, []string{"DRAFT-OUT"}},
		{RoleReviewer, []string{"RESEARCH-OUT", "ANALYSIS-OUT", "DRAFT-OUT"}, nil},
	}

	for _, tc := range cases {
		oracle := &fakeOracle{content: "ok"}
		iv := NewInvoker(oracle, nil, nil, Config{}, zap.NewNop())
		iv.Invoke(context.Background(), tc.role, newSnapshot(history...))
		for _, want := range tc.want {
			if !strings.Contains(oracle.lastPrompt, want) {
				t.Errorf("%s: prompt missing %q", tc.role, want)
			}
		}
		for _, skip := range tc.exclude {
			if strings.Contains(oracle.lastPrompt, skip) {
				t.Errorf("%s: prompt must not include %q", tc.role, skip)
			}
		}
	}
}

func TestLatestSuccessfulOutputWins(t *testing.T) {
	history := []task.StepRecord{
		{AgentRole: "researcher", Output: "old findings"},
		{AgentRole: "researcher", Output: "new findings"},
		{AgentRole: "researcher", Err: "failed attempt"},
	}
	oracle := &fakeOracle{content: "ok"}
	iv := NewInvoker(oracle, nil, nil, Config{}, zap.NewNop())
	iv.Invoke(context.Background(), RoleAnalyst, newSnapshot(history...))

	if !strings.Contains(oracle.lastPrompt, "new findings") {
		t.Errorf("prompt should carry the latest successful output: %q", oracle.lastPrompt)
	}
	if strings.Contains(oracle.lastPrompt, "old findings") {
		t.Errorf("prompt should not carry superseded output: %q", oracle.lastPrompt)
	}
}
