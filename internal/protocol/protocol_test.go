// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"encoding/json"
	"testing"
)

func TestActionValid(t *testing.T) {
	tests := []struct {
		action Action
		want   bool
	}{
		{ActionAnalyze, true},
		{ActionGenerate, true},
		{ActionRefine, true},
		{ActionSummarize, true},
		{ActionInitBuiltinAI, true},
		{ActionGetBuiltinStatus, true},
		{ActionGetConfig, true},
		{ActionSaveAPIKey, true},
		{ActionSetProxyURL, true},
		{Action("translate"), false},
		{Action(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			if got := tt.action.Valid(); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.action, got, tt.want)
			}
		})
	}
}

func TestNeutralAnalysis(t *testing.T) {
	a := NeutralAnalysis()
	if a.Emotion != "Neutral" || a.Intent != "Statement" || a.SuggestedAction != "Generate Reply" {
		t.Errorf("NeutralAnalysis() = %+v", a)
	}
}

func TestResponseEnvelope(t *testing.T) {
	// Failure responses must carry code + message and omit result fields.
	fail := Fail(ErrCodeNotAvailable, "no AI backend is available")
	data, err := json.Marshal(fail)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["success"] != false {
		t.Error("failure envelope has success=true")
	}
	if decoded["error"] != "NOT_AVAILABLE" {
		t.Errorf("error = %v, want NOT_AVAILABLE", decoded["error"])
	}
	if _, ok := decoded["text"]; ok {
		t.Error("failure envelope leaked a text field")
	}

	// Success responses omit the error fields.
	ok := OK("Sounds good, see you then!")
	data, _ = json.Marshal(ok)
	decoded = map[string]any{}
	json.Unmarshal(data, &decoded)
	if decoded["success"] != true {
		t.Error("success envelope has success=false")
	}
	if _, present := decoded["error"]; present {
		t.Error("success envelope leaked an error field")
	}
}

func TestRequestDecoding(t *testing.T) {
	raw := `{"action":"generate","text":"Are you coming tonight?","context":{"emotion":"Curious","intent":"Question","suggestedAction":"Answer"}}`

	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if req.Action != ActionGenerate {
		t.Errorf("Action = %q, want generate", req.Action)
	}
	if req.Context == nil || req.Context.Intent != "Question" {
		t.Errorf("Context = %+v, want intent Question", req.Context)
	}
}
