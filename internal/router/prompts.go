// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"strings"

	"github.com/jeranaias/smartreply/internal/protocol"
)

// ============================================================================
// PROMPT TEMPLATES
// ============================================================================

// toneTemplates are the curated rewrite styles. Unknown tones fall through
// to a generic template so the UI can offer new tones without a daemon
// release.
var toneTemplates = map[string]string{
	"formal": "Rewrite the following message in a formal, professional register. " +
		"Keep the meaning intact. Reply with the rewritten message only.",
	"friendly": "Rewrite the following message in a warm, friendly voice. " +
		"Keep the meaning intact. Reply with the rewritten message only.",
	"concise": "Rewrite the following message as briefly as possible without " +
		"losing meaning. Reply with the rewritten message only.",
	"sarcastic": "Rewrite the following message with a dry, sarcastic edge. " +
		"Keep it playful, not hostile. Reply with the rewritten message only.",
}

// buildAnalyzePrompt asks for a strict JSON read of the message.
func buildAnalyzePrompt(text string) string {
	return "Analyze the following message and respond with a single JSON object, " +
		"no prose and no code fences, with exactly these keys: " +
		`"emotion" (one word), "intent" (Question, Statement, Request, or Complaint), ` +
		`"suggestedAction" (a short phrase).` +
		"\n\nMessage:\n" + text
}

// buildGeneratePrompt biases the reply by any prior analysis.
func buildGeneratePrompt(text string, analysis *protocol.Analysis) string {
	var sb strings.Builder
	sb.WriteString("Write a natural reply to the following message. ")
	if analysis != nil {
		if analysis.Emotion != "" {
			fmt.Fprintf(&sb, "The sender's emotion reads as %s. ", analysis.Emotion)
		}
		if analysis.Intent != "" {
			fmt.Fprintf(&sb, "The message is a %s, so respond accordingly. ", strings.ToLower(analysis.Intent))
		}
	}
	sb.WriteString("Match the sender's language. Reply with the message text only.\n\nMessage:\n")
	sb.WriteString(text)
	return sb.String()
}

// buildRefinePrompt rewrites a draft in the requested tone.
func buildRefinePrompt(text, tone string) string {
	template, ok := toneTemplates[strings.ToLower(tone)]
	if !ok {
		template = fmt.Sprintf("Rewrite the following message in a %s tone. "+
			"Keep the meaning intact. Reply with the rewritten message only.", tone)
	}
	return template + "\n\nMessage:\n" + text
}

// buildSummarizePrompt is the generic fallback used when the active backend
// has no dedicated summarization capability.
func buildSummarizePrompt(text string) string {
	return "Summarize the following text in 3-5 concise sentences. " +
		"Reply with the summary only.\n\n" + text
}
