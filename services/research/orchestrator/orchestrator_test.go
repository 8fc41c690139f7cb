// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/AleutianReport/services/llm"
	"github.com/AleutianAI/AleutianReport/services/research/outline"
	"github.com/AleutianAI/AleutianReport/services/research/tools"
	"github.com/AleutianAI/AleutianReport/services/research/trajectory"
)

const abcPlan = `{"report_title": "Report on X", "sections": [
	{"section_id": "A", "title": "Alpha", "description": "a", "research_query": "qa"},
	{"section_id": "B", "title": "Beta", "description": "b", "research_query": "qb", "depends_on": ["A"]},
	{"section_id": "C", "title": "Gamma", "description": "c", "research_query": "qc", "depends_on": ["A"]}
]}`

const cyclicPlan = `{"report_title": "Loop", "sections": [
	{"section_id": "A", "title": "Alpha", "depends_on": ["B"]},
	{"section_id": "B", "title": "Beta", "depends_on": ["A"]}
]}`

var errSynthesis = errors.New("synthesis backend down")

// fakeModel answers planning calls from plans (repeating the last one) and
// routes compression and synthesis calls to optional hooks.
type fakeModel struct {
	mu        sync.Mutex
	plans     []string
	planCalls int
	compress  func(user string) (string, error)
	synth     func(user string) (string, error)
	users     map[string][]string
}

func newFakeModel(plans ...string) *fakeModel {
	return &fakeModel{plans: plans, users: map[string][]string{}}
}

func (m *fakeModel) Chat(_ context.Context, msgs []llm.Message) (*llm.Response, error) {
	system, user := msgs[0].Content, msgs[len(msgs)-1].Content

	m.mu.Lock()
	var kind string
	switch {
	case strings.Contains(system, "report planner"):
		kind = "plan"
	case strings.Contains(system, "concise summarizer"):
		kind = "compress"
	default:
		kind = "synthesis"
	}
	m.users[kind] = append(m.users[kind], user)
	var planText string
	if kind == "plan" {
		planText = m.plans[min(m.planCalls, len(m.plans)-1)]
		m.planCalls++
	}
	m.mu.Unlock()

	text, err := planText, error(nil)
	switch kind {
	case "compress":
		text, err = "compressed", nil
		if m.compress != nil {
			text, err = m.compress(user)
		}
	case "synthesis":
		text, err = "# Final report\n\nbody", nil
		if m.synth != nil {
			text, err = m.synth(user)
		}
	}
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: text, InputTokens: 100, OutputTokens: 10}, nil
}

func (m *fakeModel) usersOf(kind string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.users[kind]...)
}

// answering completes every section with "result of {id}".
func answering() SectionRunnerFunc {
	return func(_ context.Context, task SectionTask) (SectionOutcome, error) {
		return SectionOutcome{
			Result:     "result of " + task.Section.ID,
			Trajectory: trajectory.Trajectory{{Kind: trajectory.KindAction, InputTokens: 7, OutputTokens: 3}},
		}, nil
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SectionConcurrency = 2
	return cfg
}

func newOrchestrator(t *testing.T, model llm.Model, runner SectionRunner, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(model, runner, cfg)
	require.NoError(t, err)
	return o
}

func buildOutline(t *testing.T, sections ...outline.Section) *outline.Outline {
	t.Helper()
	b := outline.NewBuilder("topic", "Title")
	for _, s := range sections {
		b.AddSection(s)
	}
	out, err := b.Build()
	require.NoError(t, err)
	return out
}

func sec(id string, deps ...string) outline.Section {
	return outline.Section{ID: id, Title: "Title " + id, Description: "about " + id, ResearchQuery: "q " + id, DependsOn: deps}
}

// historyIndex returns the position of the first id transition to status.
func historyIndex(h []outline.Transition, id string, to outline.Status) int {
	for i, tr := range h {
		if tr.SectionID == id && tr.To == to {
			return i
		}
	}
	return -1
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, answering(), DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(newFakeModel(abcPlan), nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := DefaultConfig()
	cfg.SectionConcurrency = 0
	_, err = New(newFakeModel(abcPlan), answering(), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	o, err := New(newFakeModel(abcPlan), answering(), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), o.Config())
	assert.NotNil(t, o.Prompts())
}

func TestConfig_AgentConfig(t *testing.T) {
	cfg := DefaultConfig()
	ac := cfg.AgentConfig()
	assert.Equal(t, 20, ac.MaxSteps)
	assert.Equal(t, 6, ac.SummaryInterval)
	assert.Equal(t, 5, ac.ToolConcurrency)
}

func TestPlan_RetriesUntilValid(t *testing.T) {
	model := newFakeModel("I cannot plan that.", cyclicPlan, "```json\n"+abcPlan+"\n```")
	o := newOrchestrator(t, model, answering(), testConfig())

	out, err := o.Plan(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, 3, model.planCalls)
	assert.Equal(t, "X", out.Topic())
	assert.Equal(t, "Report on X", out.Title())
	require.Equal(t, 3, out.Len())
	for _, s := range out.Sections() {
		assert.Equal(t, outline.StatusPending, s.Status)
	}
	assert.Contains(t, model.usersOf("plan")[0], "X")
}

func TestPlan_ExhaustedAttempts(t *testing.T) {
	model := newFakeModel(cyclicPlan)
	o := newOrchestrator(t, model, answering(), testConfig())

	_, err := o.Plan(context.Background(), "X")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlanningFailed)
	assert.ErrorIs(t, err, outline.ErrCycleDetected)

	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.Attempts)
	assert.Equal(t, 3, model.planCalls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestPlan_RejectsInvalidShapes(t *testing.T) {
	tests := []struct {
		name    string
		plan    string
		wantErr error
	}{
		{"dangling", `{"sections": [{"section_id": "A", "title": "a", "depends_on": ["Z"]}]}`, outline.ErrDanglingDependency},
		{"duplicate", `{"sections": [{"section_id": "A", "title": "a"}, {"section_id": "A", "title": "b"}]}`, outline.ErrDuplicateSection},
		{"self", `{"sections": [{"section_id": "A", "title": "a", "depends_on": ["A"]}]}`, outline.ErrSelfDependency},
		{"empty", `{"report_title": "t", "sections": []}`, ErrPlanningFailed},
		{"missing title", `{"sections": [{"section_id": "A"}]}`, ErrPlanningFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.PlanAttempts = 1
			o := newOrchestrator(t, newFakeModel(tt.plan), answering(), cfg)
			_, err := o.Plan(context.Background(), "X")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPlan_Defaults(t *testing.T) {
	model := newFakeModel(`{"sections": [
		{"section_id": "A", "title": "Alpha"},
		{"section_id": "B", "title": "Beta", "depends_on": "A"},
		{"section_id": "C", "title": "Gamma", "depends_on": null},
	]}`)
	o := newOrchestrator(t, model, answering(), testConfig())

	out, err := o.Plan(context.Background(), "the topic")
	require.NoError(t, err)
	assert.Equal(t, "the topic", out.Title())

	a, _ := out.Section("A")
	assert.Equal(t, "Alpha", a.ResearchQuery)
	b, _ := out.Section("B")
	assert.Equal(t, []string{"A"}, b.DependsOn)
	c, _ := out.Section("C")
	assert.Empty(t, c.DependsOn)
}

func TestExecute_EndToEnd(t *testing.T) {
	var (
		mu      sync.Mutex
		started = map[string]chan struct{}{"B": make(chan struct{}), "C": make(chan struct{})}
		order   []string
	)
	runner := SectionRunnerFunc(func(ctx context.Context, task SectionTask) (SectionOutcome, error) {
		id := task.Section.ID
		mu.Lock()
		order = append(order, "start:"+id)
		mu.Unlock()

		if id != "A" {
			// B and C must overlap: each waits until the other has started.
			close(started[id])
			other := map[string]string{"B": "C", "C": "B"}[id]
			select {
			case <-started[other]:
			case <-time.After(2 * time.Second):
				return SectionOutcome{}, fmt.Errorf("%s ran alone", id)
			}
		}

		mu.Lock()
		order = append(order, "end:"+id)
		mu.Unlock()
		return SectionOutcome{Result: "result of " + id}, nil
	})

	model := newFakeModel(abcPlan)
	o := newOrchestrator(t, model, runner, testConfig())
	out, err := o.Plan(context.Background(), "X")
	require.NoError(t, err)

	_, err = o.Execute(context.Background(), out)
	require.NoError(t, err)

	assert.True(t, out.IsFullyResolved())
	counts := out.Counts()
	assert.Equal(t, 3, counts.Completed)
	assert.Zero(t, counts.Failed)

	require.Len(t, order, 6)
	assert.Equal(t, []string{"start:A", "end:A"}, order[:2])

	h := out.History()
	aDone := historyIndex(h, "A", outline.StatusCompleted)
	assert.Less(t, aDone, historyIndex(h, "B", outline.StatusInProgress))
	assert.Less(t, aDone, historyIndex(h, "C", outline.StatusInProgress))
	assert.Less(t, historyIndex(h, "C", outline.StatusInProgress), historyIndex(h, "B", outline.StatusCompleted))
}

func TestExecute_DependencyOrderAndContext(t *testing.T) {
	var (
		mu    sync.Mutex
		tasks = map[string]SectionTask{}
	)
	runner := SectionRunnerFunc(func(_ context.Context, task SectionTask) (SectionOutcome, error) {
		mu.Lock()
		tasks[task.Section.ID] = task
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return SectionOutcome{Result: strings.Repeat(task.Section.ID, 3000)}, nil
	})
	out := buildOutline(t, sec("a"), sec("b"), sec("c", "a", "b"), sec("d", "c"), sec("e", "a"))
	cfg := testConfig()
	cfg.SectionConcurrency = 3
	o := newOrchestrator(t, newFakeModel(abcPlan), runner, cfg)

	_, err := o.Execute(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Counts().Completed)

	h := out.History()
	for _, s := range out.Sections() {
		started := historyIndex(h, s.ID, outline.StatusInProgress)
		require.GreaterOrEqual(t, started, 0)
		for _, dep := range s.DependsOn {
			done := historyIndex(h, dep, outline.StatusCompleted)
			assert.Less(t, done, started, "%s started before %s completed", s.ID, dep)
			assert.False(t, h[started].At.Before(h[done].At))
		}
	}

	c := tasks["c"]
	assert.Equal(t, "topic", c.Topic)
	assert.Equal(t, 1, c.Attempt)
	assert.Contains(t, c.DependencyContext, "### Title a\n")
	assert.Contains(t, c.DependencyContext, "### Title b\n")
	assert.Contains(t, c.DependencyContext, outline.TruncationMarker)
	assert.Contains(t, c.Goal, "Section: Title c")
	assert.Contains(t, c.Goal, c.DependencyContext)
	assert.Empty(t, tasks["a"].DependencyContext)
}

func TestExecute_RespectsConcurrencyBound(t *testing.T) {
	var running, peak atomic.Int32
	runner := SectionRunnerFunc(func(_ context.Context, task SectionTask) (SectionOutcome, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return SectionOutcome{Result: "ok"}, nil
	})

	sections := make([]outline.Section, 8)
	for i := range sections {
		sections[i] = sec(fmt.Sprintf("s%d", i))
	}
	out := buildOutline(t, sections...)
	cfg := testConfig()
	cfg.SectionConcurrency = 3
	o := newOrchestrator(t, newFakeModel(abcPlan), runner, cfg)

	_, err := o.Execute(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 8, out.Counts().Completed)
	assert.LessOrEqual(t, peak.Load(), int32(3))

	// IN_PROGRESS sections never exceed the bound either.
	inProgress, maxInProgress := 0, 0
	for _, tr := range out.History() {
		if tr.To == outline.StatusInProgress {
			inProgress++
		}
		if tr.From == outline.StatusInProgress {
			inProgress--
		}
		maxInProgress = max(maxInProgress, inProgress)
	}
	assert.LessOrEqual(t, maxInProgress, 3)
}

func TestExecute_RetriesThenDeadlocksDependents(t *testing.T) {
	var calls atomic.Int32
	var bRan atomic.Bool
	runner := SectionRunnerFunc(func(_ context.Context, task SectionTask) (SectionOutcome, error) {
		switch task.Section.ID {
		case "A":
			n := calls.Add(1)
			assert.Equal(t, int(n), task.Attempt)
			return SectionOutcome{Trajectory: trajectory.Trajectory{{Kind: trajectory.KindAction, Error: "x"}}},
				fmt.Errorf("boom attempt %d", n)
		case "B":
			bRan.Store(true)
		}
		return SectionOutcome{Result: "ok"}, nil
	})
	out := buildOutline(t, sec("A"), sec("B", "A"), sec("C"))
	o := newOrchestrator(t, newFakeModel(abcPlan), runner, testConfig())

	_, err := o.Execute(context.Background(), out)
	require.NoError(t, err)
	assert.True(t, out.IsFullyResolved())

	a, _ := out.Section("A")
	assert.Equal(t, outline.StatusFailed, a.Status)
	assert.Equal(t, 3, a.RetryCount)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "failed after 2 retries: boom attempt 3", a.ErrorMessage)
	assert.Len(t, a.Trajectory, 1)

	b, _ := out.Section("B")
	assert.Equal(t, outline.StatusFailed, b.Status)
	assert.True(t, strings.HasPrefix(b.ErrorMessage, outline.DeadlockMessage))
	assert.Zero(t, b.RetryCount)
	assert.False(t, bRan.Load())

	c, _ := out.Section("C")
	assert.Equal(t, outline.StatusCompleted, c.Status)
}

func TestExecute_RetrySucceeds(t *testing.T) {
	var attempts []int
	var mu sync.Mutex
	runner := SectionRunnerFunc(func(_ context.Context, task SectionTask) (SectionOutcome, error) {
		mu.Lock()
		attempts = append(attempts, task.Attempt)
		mu.Unlock()
		if task.Attempt == 1 {
			return SectionOutcome{}, errors.New("flaky")
		}
		return SectionOutcome{Result: "second time"}, nil
	})
	out := buildOutline(t, sec("A"))
	o := newOrchestrator(t, newFakeModel(abcPlan), runner, testConfig())

	_, err := o.Execute(context.Background(), out)
	require.NoError(t, err)

	a, _ := out.Section("A")
	assert.Equal(t, outline.StatusCompleted, a.Status)
	assert.Equal(t, 1, a.RetryCount)
	assert.Equal(t, "second time", a.ResearchResult)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestExecute_ContextCancelled(t *testing.T) {
	started := make(chan struct{})
	runner := SectionRunnerFunc(func(ctx context.Context, task SectionTask) (SectionOutcome, error) {
		close(started)
		<-ctx.Done()
		return SectionOutcome{}, ctx.Err()
	})
	out := buildOutline(t, sec("A"), sec("B", "A"))
	cfg := testConfig()
	cfg.MaxSectionRetries = 0
	o := newOrchestrator(t, newFakeModel(abcPlan), runner, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := o.Execute(ctx, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, out.IsFullyResolved())
	a, _ := out.Section("A")
	assert.Equal(t, outline.StatusFailed, a.Status)
	b, _ := out.Section("B")
	assert.Equal(t, outline.StatusFailed, b.Status)
}

func TestExecute_ContextCancelledAbortsQueuedSections(t *testing.T) {
	started := make(chan struct{})
	runner := SectionRunnerFunc(func(ctx context.Context, task SectionTask) (SectionOutcome, error) {
		if task.Section.ID == "A" {
			close(started)
		}
		<-ctx.Done()
		return SectionOutcome{}, ctx.Err()
	})
	out := buildOutline(t, sec("A"), sec("B"), sec("C", "B"))
	cfg := testConfig()
	cfg.SectionConcurrency = 1
	cfg.MaxSectionRetries = 0
	o := newOrchestrator(t, newFakeModel(abcPlan), runner, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := o.Execute(ctx, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, out.IsFullyResolved())

	b, _ := out.Section("B")
	assert.Equal(t, outline.StatusFailed, b.Status)
	assert.Equal(t, "aborted: context canceled", b.ErrorMessage)
	assert.NotContains(t, b.ErrorMessage, outline.DeadlockMessage)
	assert.Equal(t, -1, historyIndex(out.History(), "B", outline.StatusInProgress), "B never started")

	c, _ := out.Section("C")
	assert.Equal(t, outline.StatusFailed, c.Status)
	assert.True(t, strings.HasPrefix(c.ErrorMessage, outline.DeadlockMessage))
}

func TestExecute_NilOutline(t *testing.T) {
	o := newOrchestrator(t, newFakeModel(abcPlan), answering(), testConfig())
	_, err := o.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilOutline)

	_, err = o.Synthesize(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilOutline)
}

func executed(t *testing.T, o *Orchestrator, out *outline.Outline) *outline.Outline {
	t.Helper()
	_, err := o.Execute(context.Background(), out)
	require.NoError(t, err)
	return out
}

func TestSynthesize_UsesModel(t *testing.T) {
	model := newFakeModel(abcPlan)
	o := newOrchestrator(t, model, answering(), testConfig())
	out := executed(t, o, buildOutline(t, sec("A"), sec("B", "A")))

	syn, err := o.Synthesize(context.Background(), out)
	require.NoError(t, err)
	assert.False(t, syn.Fallback)
	assert.Equal(t, 1, syn.Attempts)
	assert.Equal(t, "# Final report\n\nbody", syn.Report)
	assert.Zero(t, syn.Compressed)

	user := model.usersOf("synthesis")[0]
	assert.Contains(t, user, "## 1. Title A")
	assert.Contains(t, user, "result of A")
	assert.Contains(t, user, "result of B")
}

func TestSynthesize_FallbackIsDeterministic(t *testing.T) {
	model := newFakeModel(abcPlan)
	model.synth = func(string) (string, error) { return "", errSynthesis }

	runner := SectionRunnerFunc(func(_ context.Context, task SectionTask) (SectionOutcome, error) {
		if task.Section.ID == "B" {
			return SectionOutcome{}, errors.New("no sources")
		}
		return SectionOutcome{Result: "result of " + task.Section.ID}, nil
	})
	cfg := testConfig()
	cfg.MaxSectionRetries = 0
	o := newOrchestrator(t, model, runner, cfg)
	out := executed(t, o, buildOutline(t, sec("A"), sec("B"), sec("C", "B")))

	first, err := o.Synthesize(context.Background(), out)
	require.NoError(t, err)
	second, err := o.Synthesize(context.Background(), out)
	require.NoError(t, err)

	assert.True(t, first.Fallback)
	assert.Equal(t, 3, first.Attempts)
	assert.Len(t, model.usersOf("synthesis"), 6)
	assert.Equal(t, first.Report, second.Report)

	want := "# Title\n" +
		"\n\n## 1. Title A\nresult of A" +
		"\n\n## 2. Title B\n*Research failed: failed after 0 retries: no sources*" +
		"\n\n## 3. Title C\n*Research failed: " + outline.DeadlockMessage + " (B)*"
	assert.Equal(t, want, first.Report)
}

func TestSynthesize_EmptyResponsesFallBack(t *testing.T) {
	model := newFakeModel(abcPlan)
	model.synth = func(string) (string, error) { return "   ", nil }
	o := newOrchestrator(t, model, answering(), testConfig())
	out := executed(t, o, buildOutline(t, sec("A")))

	syn, err := o.Synthesize(context.Background(), out)
	require.NoError(t, err)
	assert.True(t, syn.Fallback)
	assert.Contains(t, syn.Report, "Title A")
}

func TestSynthesize_CompressesLongSections(t *testing.T) {
	model := newFakeModel(abcPlan)
	model.compress = func(user string) (string, error) {
		if strings.Contains(user, "Title B") {
			return "", errors.New("compress failed")
		}
		return "short version", nil
	}
	runner := SectionRunnerFunc(func(_ context.Context, task SectionTask) (SectionOutcome, error) {
		if task.Section.ID == "C" {
			return SectionOutcome{Result: "tiny"}, nil
		}
		return SectionOutcome{Result: strings.Repeat("long text about "+task.Section.ID+". ", 20)}, nil
	})
	cfg := testConfig()
	cfg.ContextThreshold = 100
	cfg.CompressThreshold = 50
	o := newOrchestrator(t, model, runner, cfg)
	out := executed(t, o, buildOutline(t, sec("A"), sec("B"), sec("C")))

	syn, err := o.Synthesize(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 1, syn.Compressed)
	assert.Len(t, model.usersOf("compress"), 2)

	a, _ := out.Section("A")
	assert.Equal(t, "short version", a.CompressedResult)
	assert.Contains(t, a.ResearchResult, "long text about A")
	b, _ := out.Section("B")
	assert.Empty(t, b.CompressedResult)

	user := model.usersOf("synthesis")[0]
	assert.Contains(t, user, "short version")
	assert.NotContains(t, user, "long text about A")
	assert.Contains(t, user, "long text about B")
	assert.Contains(t, user, "tiny")
}

func TestSynthesize_BelowThresholdSkipsCompression(t *testing.T) {
	model := newFakeModel(abcPlan)
	o := newOrchestrator(t, model, answering(), testConfig())
	out := executed(t, o, buildOutline(t, sec("A")))

	_, err := o.Synthesize(context.Background(), out)
	require.NoError(t, err)
	assert.Empty(t, model.usersOf("compress"))
}

func TestFallback_TruncatesAndMarksMissing(t *testing.T) {
	out := buildOutline(t, sec("A"), sec("B"))
	out.ReadySections()
	_, err := out.Start("A")
	require.NoError(t, err)
	require.NoError(t, out.Complete("A", "abcdefghij", nil))

	report := Fallback(out, 4)
	assert.Equal(t, "# Title\n\n\n## 1. Title A\nabcd"+outline.TruncationMarker+"\n\n## 2. Title B\n*No research results available.*", report)
}

func TestRun_EndToEnd(t *testing.T) {
	model := newFakeModel(abcPlan)
	o := newOrchestrator(t, model, answering(), testConfig())

	res, err := o.Run(context.Background(), "X")
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "X", res.Topic)
	assert.Equal(t, "# Final report\n\nbody", res.Report)
	assert.True(t, res.Outline.IsFullyResolved())

	m := res.Metadata
	assert.NotEmpty(t, m.RunID)
	assert.Equal(t, "X", m.Topic)
	assert.Equal(t, "Report on X", m.Title)
	assert.Equal(t, 3, m.TotalSections)
	assert.Equal(t, 3, m.CompletedSections)
	assert.Zero(t, m.FailedSections)
	assert.Zero(t, m.RetriedSections)
	assert.False(t, m.SynthesisFallback)
	// plan + synthesis calls plus one trajectory step per section.
	assert.Equal(t, 2*100+3*7, m.InputTokens)
	assert.Equal(t, 2*10+3*3, m.OutputTokens)
	assert.GreaterOrEqual(t, m.ElapsedSeconds, 0.0)
}

func TestRun_PlanFailureIsFatal(t *testing.T) {
	o := newOrchestrator(t, newFakeModel("nope"), answering(), testConfig())
	res, err := o.Run(context.Background(), "X")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrPlanningFailed)
}

func TestRun_SectionFailuresDoNotFailRun(t *testing.T) {
	runner := SectionRunnerFunc(func(_ context.Context, task SectionTask) (SectionOutcome, error) {
		if task.Section.ID == "A" {
			return SectionOutcome{}, errors.New("dead end")
		}
		return SectionOutcome{Result: "ok"}, nil
	})
	o := newOrchestrator(t, newFakeModel(abcPlan), runner, testConfig())

	res, err := o.Run(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Metadata.FailedSections)
	assert.Equal(t, 1, res.Metadata.RetriedSections)
	assert.NotEmpty(t, res.Report)
}

func TestRun_CountsTokensOfFailedAttempts(t *testing.T) {
	runner := SectionRunnerFunc(func(_ context.Context, task SectionTask) (SectionOutcome, error) {
		if task.Section.ID == "A" && task.Attempt == 1 {
			return SectionOutcome{
				Trajectory: trajectory.Trajectory{{Kind: trajectory.KindAction, InputTokens: 50, OutputTokens: 5}},
			}, errors.New("flaky")
		}
		return SectionOutcome{
			Result:               "result of " + task.Section.ID,
			Trajectory:           trajectory.Trajectory{{Kind: trajectory.KindAction, InputTokens: 7, OutputTokens: 3}},
			DiscardedInputTokens: 1,
		}, nil
	})
	o := newOrchestrator(t, newFakeModel(abcPlan), runner, testConfig())

	res, err := o.Run(context.Background(), "X")
	require.NoError(t, err)

	m := res.Metadata
	assert.Equal(t, 3, m.CompletedSections)
	assert.Equal(t, 1, m.RetriedSections)
	// plan + synthesis, the failed attempt of A, then three successes.
	assert.Equal(t, 2*100+50+3*(7+1), m.InputTokens)
	assert.Equal(t, 2*10+5+3*3, m.OutputTokens)
}

var (
	spanRecorderOnce sync.Once
	spanRecorder     *tracetest.SpanRecorder
)

// recordSpans installs a global recording provider once per test binary.
func recordSpans() *tracetest.SpanRecorder {
	spanRecorderOnce.Do(func() {
		spanRecorder = tracetest.NewSpanRecorder()
		otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder)))
	})
	return spanRecorder
}

func sectionSpanStatus(rec *tracetest.SpanRecorder, id string) (codes.Code, bool) {
	for _, span := range rec.Ended() {
		if span.Name() != "orchestrator.Section" {
			continue
		}
		for _, kv := range span.Attributes() {
			if string(kv.Key) == "section.id" && kv.Value.AsString() == id {
				return span.Status().Code, true
			}
		}
	}
	return codes.Unset, false
}

func TestExecute_SectionSpanStatus(t *testing.T) {
	rec := recordSpans()
	runner := SectionRunnerFunc(func(_ context.Context, task SectionTask) (SectionOutcome, error) {
		if task.Section.ID == "span-bad" {
			return SectionOutcome{}, errors.New("no sources")
		}
		return SectionOutcome{Result: "ok"}, nil
	})
	cfg := testConfig()
	cfg.MaxSectionRetries = 0
	o := newOrchestrator(t, newFakeModel(abcPlan), runner, cfg)

	executed(t, o, buildOutline(t, sec("span-good"), sec("span-bad")))

	code, ok := sectionSpanStatus(rec, "span-good")
	require.True(t, ok)
	assert.Equal(t, codes.Ok, code)

	code, ok = sectionSpanStatus(rec, "span-bad")
	require.True(t, ok)
	assert.Equal(t, codes.Error, code)
}

func TestAgentRunner_CarriesTokensOfDiscardedAttempts(t *testing.T) {
	model := llm.ModelFunc(func(context.Context, []llm.Message) (*llm.Response, error) {
		return &llm.Response{
			Text:         `{"think": "done", "tools": [{"name": "final_answer", "arguments": {"answer": ""}}]}`,
			InputTokens:  11,
			OutputTokens: 2,
		}, nil
	})
	task := SectionTask{Section: sec("A"), Goal: "research A", Attempt: 1}

	r := NewAgentRunner(model, nil, DefaultConfig().AgentConfig(), 3, nil)
	out, err := r.RunSection(context.Background(), task)
	assert.ErrorIs(t, err, ErrEmptyAnswer)

	in, outTok := out.Trajectory.Tokens()
	require.Positive(t, in)
	assert.Equal(t, 2*in, out.DiscardedInputTokens)
	assert.Equal(t, 2*outTok, out.DiscardedOutputTokens)

	totalIn, totalOut := out.Tokens()
	assert.Equal(t, 3*in, totalIn)
	assert.Equal(t, 3*outTok, totalOut)
}

func TestAgentRunner(t *testing.T) {
	answer := func(text string) llm.Model {
		return llm.ModelFunc(func(context.Context, []llm.Message) (*llm.Response, error) {
			return &llm.Response{Text: `{"think": "done", "tools": [{"name": "final_answer", "arguments": {"answer": "` + text + `"}}]}`}, nil
		})
	}
	var built atomic.Int32
	factory := func(_ context.Context, s outline.Section) (Toolset, error) {
		built.Add(1)
		return Toolset{Variables: tools.Variables{"$section": s.ID}}, nil
	}
	task := SectionTask{Section: sec("A"), Goal: "research A", Attempt: 1}

	r := NewAgentRunner(answer("findings"), factory, DefaultConfig().AgentConfig(), 1, nil)
	out, err := r.RunSection(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "findings", out.Result)
	assert.NotEmpty(t, out.Trajectory)
	assert.Equal(t, int32(1), built.Load())

	built.Store(0)
	r = NewAgentRunner(answer(""), factory, DefaultConfig().AgentConfig(), 2, nil)
	_, err = r.RunSection(context.Background(), task)
	assert.ErrorIs(t, err, ErrEmptyAnswer)
	assert.Equal(t, int32(2), built.Load())

	failing := func(context.Context, outline.Section) (Toolset, error) { return Toolset{}, errors.New("no key") }
	r = NewAgentRunner(answer("x"), failing, DefaultConfig().AgentConfig(), 1, nil)
	_, err = r.RunSection(context.Background(), task)
	assert.ErrorContains(t, err, "no key")

	r = NewAgentRunner(answer("no tools"), nil, DefaultConfig().AgentConfig(), 0, nil)
	out, err = r.RunSection(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "no tools", out.Result)
}
