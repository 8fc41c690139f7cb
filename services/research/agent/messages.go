// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"encoding/json"
	"strings"

	"github.com/AleutianAI/AleutianReport/services/llm"
	"github.com/AleutianAI/AleutianReport/services/research/trajectory"
)

const (
	planRequest    = "Now, begin your planning analysis for this task!"
	summaryRequest = "Now, summarize and analyze the task completion status and provide recommendations for next steps!"
	retryNotice    = "Now let's retry: take care not to repeat previous errors! If you have retried several times, try a completely different approach."
	noObservations = "No observations"
	maxStepsError  = "Reached max steps."
	missingThink   = "No 'think' field in response"
)

// memory renders a trajectory as conversation turns, without any system
// prompt. The task, plan and summary steps become user/assistant pairs;
// action steps become a tool-call turn followed by a tool-response turn.
func memory(traj trajectory.Trajectory) []llm.Message {
	msgs := make([]llm.Message, 0, 2*len(traj))
	for _, s := range traj {
		switch s.Kind {
		case trajectory.KindTask:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "New task:\n" + s.Content})

		case trajectory.KindPlan:
			msgs = append(msgs,
				llm.Message{Role: llm.RoleUser, Content: planRequest},
				llm.Message{Role: llm.RoleAssistant, Content: "[PLAN]:\n" + s.Content},
			)

		case trajectory.KindSummary:
			msgs = append(msgs,
				llm.Message{Role: llm.RoleUser, Content: summaryRequest},
				llm.Message{Role: llm.RoleAssistant, Content: "[SUMMARY]:\n" + s.Content},
			)

		case trajectory.KindAction:
			if len(s.ToolCalls) > 0 {
				msgs = append(msgs,
					llm.Message{Role: llm.RoleToolCall, Content: "Reasoning:\n" + s.Think + "\n\nCalling tools:\n" + renderCalls(s.ToolCalls)},
					llm.Message{Role: llm.RoleToolResponse, Content: "Tool calling observation:\n" + s.Observations},
				)
			} else if s.Error == "" {
				msgs = append(msgs,
					llm.Message{Role: llm.RoleToolCall, Content: "Reasoning:\n" + s.Think + "\n\nCalling tools:\n[]"},
					llm.Message{Role: llm.RoleToolResponse, Content: "Tool calling observation:\n" + s.Observations},
				)
			}
			if s.Error != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "Error:\n" + s.Error + "\n" + retryNotice})
			}
		}
	}
	return msgs
}

// callView is the shape a tool call is shown to the model in.
type callView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

func renderCalls(calls []trajectory.ToolCall) string {
	views := make([]callView, len(calls))
	for i, c := range calls {
		views[i] = callView{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	data, err := json.Marshal(views)
	if err != nil {
		names := make([]string, len(calls))
		for i, c := range calls {
			names[i] = c.Name
		}
		return strings.Join(names, ", ")
	}
	return string(data)
}
