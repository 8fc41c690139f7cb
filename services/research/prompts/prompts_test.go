// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_RendersAgentTemplates(t *testing.T) {
	s, err := Default()
	require.NoError(t, err)

	d := AgentData{Tools: `[{"name":"web_search"}]`, Task: "find X"}

	sys, err := s.SystemPrompt(d)
	require.NoError(t, err)
	assert.Contains(t, sys, `[{"name":"web_search"}]`)
	assert.Contains(t, sys, "final_answer")

	step, err := s.StepInstruction(d)
	require.NoError(t, err)
	assert.Contains(t, step, "find X")

	post, err := s.FinalAnswerPost(d)
	require.NoError(t, err)
	assert.Contains(t, post, `"answer"`)

	for _, fn := range []func(AgentData) (string, error){s.InitialPlan, s.TaskInput, s.UpdatePre, s.UpdatePost, s.FinalAnswerPre} {
		out, err := fn(d)
		require.NoError(t, err)
		assert.NotEmpty(t, out)
	}
}

func TestSectionResearch_DependencyContextOptional(t *testing.T) {
	s := MustDefault()

	without, err := s.SectionResearch(SectionData{Topic: "T", Title: "Intro", Description: "d", ResearchQuery: "q"})
	require.NoError(t, err)
	assert.Contains(t, without, "Section: Intro")
	assert.NotContains(t, without, "earlier sections")

	with, err := s.SectionResearch(SectionData{Topic: "T", Title: "Intro", DependencyContext: "### A\nfacts"})
	require.NoError(t, err)
	assert.Contains(t, with, "earlier sections")
	assert.Contains(t, with, "### A\nfacts")
}

func TestSynthesisTask_NumbersSections(t *testing.T) {
	s := MustDefault()
	out, err := s.SynthesisTask(SynthesisData{
		Topic: "T",
		Title: "Report",
		Sections: []SynthesisSection{
			{Title: "A", Status: "completed", Result: "alpha"},
			{Title: "B", Status: "failed", Error: "boom"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "## 1. A")
	assert.Contains(t, out, "## 2. B")
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "Error: boom")
	assert.Contains(t, out, "# Report")
}

func TestReportTemplates(t *testing.T) {
	s := MustDefault()

	plan, err := s.PlanningTask(PlanData{Topic: "quantum"})
	require.NoError(t, err)
	assert.Contains(t, plan, "quantum")

	sys, err := s.PlanningSystem()
	require.NoError(t, err)
	assert.Contains(t, sys, "depends_on")

	c, err := s.CompressSection(CompressData{Title: "A", Result: "long text"})
	require.NoError(t, err)
	assert.Contains(t, c, "long text")

	cs, err := s.CompressSystem()
	require.NoError(t, err)
	assert.Contains(t, cs, "source URLs")

	ss, err := s.SynthesisSystem()
	require.NoError(t, err)
	assert.NotEmpty(t, ss)
}

func TestParse_OverridesSubset(t *testing.T) {
	s, err := Parse([]byte("report:\n  planning_task: \"Topic is {{.Topic}}!\"\n"))
	require.NoError(t, err)

	out, err := s.PlanningTask(PlanData{Topic: "cats"})
	require.NoError(t, err)
	assert.Equal(t, "Topic is cats!", out)

	sys, err := s.PlanningSystem()
	require.NoError(t, err)
	assert.Contains(t, sys, "report planner")
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("agent:\n  task_input: \"  \"\n"))
	assert.ErrorIs(t, err, ErrEmptyTemplate)

	_, err = Parse([]byte("agent:\n  task_input: \"{{.Task\"\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("agent: [not, a, map]"))
	assert.Error(t, err)
}

func TestRender_UnknownField(t *testing.T) {
	s, err := Parse([]byte("report:\n  planning_task: \"{{.Nope}}\"\n"))
	require.NoError(t, err)

	_, err = s.PlanningTask(PlanData{Topic: "x"})
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  task_input: \"Do: {{.Task}}\"\n"), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	out, err := s.TaskInput(AgentData{Task: "it"})
	require.NoError(t, err)
	assert.Equal(t, "Do: it", out)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
