// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts holds the prompt templates for the research agent and the
// report orchestrator.
//
// Defaults are embedded from prompts.yaml. A YAML file with the same shape
// can override any subset of them. All templates are parsed up front with
// missingkey=error so a broken template fails at load, not mid-run.
package prompts

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// MaxFileSize bounds override files.
const MaxFileSize = 1024 * 1024

//go:embed prompts.yaml
var defaultPromptsYAML []byte

// ErrEmptyTemplate is returned when a template is blank after overrides.
var ErrEmptyTemplate = errors.New("prompts: empty template")

// AgentTemplates are the raw task-execution loop templates.
type AgentTemplates struct {
	SystemPrompt            string `yaml:"system_prompt"`
	InitialPlan             string `yaml:"initial_plan"`
	TaskInput               string `yaml:"task_input"`
	UpdatePreMessages       string `yaml:"update_pre_messages"`
	UpdatePostMessages      string `yaml:"update_post_messages"`
	StepInstruction         string `yaml:"step_instruction"`
	FinalAnswerPreMessages  string `yaml:"final_answer_pre_messages"`
	FinalAnswerPostMessages string `yaml:"final_answer_post_messages"`
}

// ReportTemplates are the raw orchestrator templates.
type ReportTemplates struct {
	PlanningSystem  string `yaml:"planning_system"`
	PlanningTask    string `yaml:"planning_task"`
	SectionResearch string `yaml:"section_research"`
	SynthesisSystem string `yaml:"synthesis_system"`
	SynthesisTask   string `yaml:"synthesis_task"`
	CompressSystem  string `yaml:"compress_system"`
	CompressSection string `yaml:"compress_section"`
}

// File is the YAML document layout.
type File struct {
	Agent  AgentTemplates  `yaml:"agent"`
	Report ReportTemplates `yaml:"report"`
}

// AgentData feeds the agent templates.
type AgentData struct {
	// Tools is the JSON tool catalog.
	Tools string
	Task  string
}

// PlanData feeds the planning task template.
type PlanData struct {
	Topic string
}

// SectionData feeds the per-section research task template.
type SectionData struct {
	Topic             string
	Title             string
	Description       string
	ResearchQuery     string
	DependencyContext string
}

// SynthesisSection is one section as shown to the synthesis call.
type SynthesisSection struct {
	Title       string
	Description string
	Status      string
	Result      string
	Error       string
}

// SynthesisData feeds the synthesis task template.
type SynthesisData struct {
	Topic    string
	Title    string
	Sections []SynthesisSection
}

// CompressData feeds the compression template.
type CompressData struct {
	Title  string
	Result string
}

// Set is a parsed, ready-to-render template set.
//
// Thread Safety: Safe for concurrent use after construction.
type Set struct {
	raw  File
	tmpl map[string]*template.Template
}

var funcs = template.FuncMap{
	"inc":   func(i int) int { return i + 1 },
	"join":  strings.Join,
	"trim":  strings.TrimSpace,
	"upper": strings.ToUpper,
}

var defaultSet = sync.OnceValues(func() (*Set, error) {
	var f File
	if err := yaml.Unmarshal(defaultPromptsYAML, &f); err != nil {
		return nil, fmt.Errorf("prompts: parse embedded defaults: %w", err)
	}
	return compile(f)
})

// Default returns the embedded template set.
func Default() (*Set, error) {
	return defaultSet()
}

// MustDefault is Default for package initialization and tests.
func MustDefault() *Set {
	s, err := Default()
	if err != nil {
		panic(err)
	}
	return s
}

// Load reads a YAML override file and layers it over the embedded defaults.
// Fields absent from the file keep their default text.
func Load(path string) (*Set, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("prompts: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("prompts: %s exceeds %d bytes", path, MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompts: %w", err)
	}
	return Parse(data)
}

// Parse layers YAML data over the embedded defaults.
func Parse(data []byte) (*Set, error) {
	base, err := Default()
	if err != nil {
		return nil, err
	}
	f := base.raw
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("prompts: parse overrides: %w", err)
	}
	return compile(f)
}

func compile(f File) (*Set, error) {
	sources := map[string]string{
		"agent.system_prompt":              f.Agent.SystemPrompt,
		"agent.initial_plan":               f.Agent.InitialPlan,
		"agent.task_input":                 f.Agent.TaskInput,
		"agent.update_pre_messages":        f.Agent.UpdatePreMessages,
		"agent.update_post_messages":       f.Agent.UpdatePostMessages,
		"agent.step_instruction":           f.Agent.StepInstruction,
		"agent.final_answer_pre_messages":  f.Agent.FinalAnswerPreMessages,
		"agent.final_answer_post_messages": f.Agent.FinalAnswerPostMessages,
		"report.planning_system":           f.Report.PlanningSystem,
		"report.planning_task":             f.Report.PlanningTask,
		"report.section_research":          f.Report.SectionResearch,
		"report.synthesis_system":          f.Report.SynthesisSystem,
		"report.synthesis_task":            f.Report.SynthesisTask,
		"report.compress_system":           f.Report.CompressSystem,
		"report.compress_section":          f.Report.CompressSection,
	}
	s := &Set{raw: f, tmpl: make(map[string]*template.Template, len(sources))}
	for name, src := range sources {
		if strings.TrimSpace(src) == "" {
			return nil, fmt.Errorf("%w: %s", ErrEmptyTemplate, name)
		}
		t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("prompts: %s: %w", name, err)
		}
		s.tmpl[name] = t
	}
	return s, nil
}

func (s *Set) render(name string, data any) (string, error) {
	t, ok := s.tmpl[name]
	if !ok {
		return "", fmt.Errorf("prompts: unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("prompts: render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// SystemPrompt renders the action-call system prompt.
func (s *Set) SystemPrompt(d AgentData) (string, error) { return s.render("agent.system_prompt", d) }

// InitialPlan renders the planning-call system prompt.
func (s *Set) InitialPlan(d AgentData) (string, error) { return s.render("agent.initial_plan", d) }

// TaskInput renders the planning-call user message.
func (s *Set) TaskInput(d AgentData) (string, error) { return s.render("agent.task_input", d) }

// UpdatePre renders the summary-call system prompt.
func (s *Set) UpdatePre(d AgentData) (string, error) {
	return s.render("agent.update_pre_messages", d)
}

// UpdatePost renders the summary-call closing user message.
func (s *Set) UpdatePost(d AgentData) (string, error) {
	return s.render("agent.update_post_messages", d)
}

// StepInstruction renders the user message closing every action call.
func (s *Set) StepInstruction(d AgentData) (string, error) {
	return s.render("agent.step_instruction", d)
}

// FinalAnswerPre renders the max-steps fallback system prompt.
func (s *Set) FinalAnswerPre(d AgentData) (string, error) {
	return s.render("agent.final_answer_pre_messages", d)
}

// FinalAnswerPost renders the max-steps fallback closing user message.
func (s *Set) FinalAnswerPost(d AgentData) (string, error) {
	return s.render("agent.final_answer_post_messages", d)
}

// PlanningSystem renders the outline planning system prompt.
func (s *Set) PlanningSystem() (string, error) {
	return s.render("report.planning_system", struct{}{})
}

// PlanningTask renders the outline planning user message.
func (s *Set) PlanningTask(d PlanData) (string, error) {
	return s.render("report.planning_task", d)
}

// SectionResearch renders the goal handed to a section's agent.
func (s *Set) SectionResearch(d SectionData) (string, error) {
	return s.render("report.section_research", d)
}

// SynthesisSystem renders the synthesis system prompt.
func (s *Set) SynthesisSystem() (string, error) {
	return s.render("report.synthesis_system", struct{}{})
}

// SynthesisTask renders the synthesis user message.
func (s *Set) SynthesisTask(d SynthesisData) (string, error) {
	return s.render("report.synthesis_task", d)
}

// CompressSystem renders the compression system prompt.
func (s *Set) CompressSystem() (string, error) {
	return s.render("report.compress_system", struct{}{})
}

// CompressSection renders the compression user message.
func (s *Set) CompressSection(d CompressData) (string, error) {
	return s.render("report.compress_section", d)
}
