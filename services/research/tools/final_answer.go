// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// FinalAnswerName is the terminal tool. A call to it ends the section loop.
const FinalAnswerName = "final_answer"

// FinalAnswer is the terminal tool. The agent loop never dispatches it; it
// is registered so the model sees it in the catalog.
type FinalAnswer struct{}

func (FinalAnswer) Definition() Definition {
	return Definition{
		Name:        FinalAnswerName,
		Description: "Provides the final answer to the given task. Call it once the research is complete.",
		Inputs: map[string]Input{
			"answer": {Type: TypeString, Description: "The final answer to the task, in full."},
		},
		OutputType: TypeString,
	}
}

func (FinalAnswer) Invoke(_ context.Context, args Args) (string, error) {
	return AnswerText(args), nil
}

// AnswerText extracts the answer from final_answer arguments: the "answer"
// entry of a mapping, the mapping itself when that key is absent, or the
// positional string.
func AnswerText(args Args) string {
	if args.IsText() {
		return args.Text()
	}
	if v, ok := args.Get("answer"); ok {
		if s, isString := v.(string); isString {
			return s
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
	return args.Render()
}
