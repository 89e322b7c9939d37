package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/v0xg/uitestgen/internal/analysis"
)

const generationSystemPrompt = `You are a UI test designer. Your task is to turn the analysis of a web page into one end-to-end UI test.

You will receive:
1. A page analysis containing the URL, title, interactive elements (type and attributes such as id, name, data-testid, aria-label, placeholder and visible text), detected patterns and candidate user flows
2. Optionally, a learning context with hints from earlier runs

Output a JSON object with:
- "testName": short, non-empty name of the test
- "description": what the test verifies
- "tags": array of strings (may be empty)
- "steps": non-empty array of steps. Each step has:
  - "action": one of "navigate", "click", "type", "assert", "wait"
  - "description": what the step does
  - "elementDescription": for click, type and assert, how to find the element: copy its visible text, aria-label, placeholder, name or id exactly as it appears in the page analysis
  - "value": the URL for navigate, the text for type, milliseconds for wait
  - "assertion": for assert only, {"type": one of "exists", "visible", "text", "value", "attribute", "expected": expected value}

Guidelines:
- Start with a navigate step to the page URL
- Use only elements present in the page analysis
- Prefer the most important flow (login, signup, search, checkout) when several exist
- End with at least one assert step that proves the flow worked
- Keep the sequence minimal but complete

Example output:
{"testName": "Search returns results", "description": "Searching for a term shows the results list", "tags": ["search"], "steps": [
  {"action": "navigate", "description": "Open the home page", "value": "https://example.com"},
  {"action": "type", "description": "Enter a query", "elementDescription": "Search", "value": "shoes"},
  {"action": "click", "description": "Submit the search", "elementDescription": "Go"},
  {"action": "assert", "description": "Results are shown", "elementDescription": "Results", "assertion": {"type": "visible"}}
]}

Respond ONLY with the JSON object, no explanation or markdown.`

const analysisSystemPrompt = `You are a UX analyst. Given the analysis of a web page, list the user flows a tester should cover.

Output a JSON object: {"flows": [{"name": "...", "steps": ["...", "..."]}]}
- Name flows after the user goal (for example "Log in", "Search catalogue")
- Steps are short imperative sentences referring to elements by their visible text, label or placeholder
- Return at most five flows, most important first
- If the page offers no meaningful flow, return {"flows": []}

Respond ONLY with the JSON object, no explanation or markdown.`

// LearningContext carries opaque hints from earlier runs to the model.
type LearningContext map[string]any

func buildGenerationPrompt(a *analysis.ApplicationAnalysis, learning LearningContext) (string, error) {
	analysisJSON, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal page analysis: %w", err)
	}

	var b strings.Builder
	b.WriteString("Page analysis:\n")
	b.Write(analysisJSON)
	if len(learning) > 0 {
		learningJSON, err := json.MarshalIndent(learning, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal learning context: %w", err)
		}
		b.WriteString("\n\nLearning context:\n")
		b.Write(learningJSON)
	}
	b.WriteString("\n\nGenerate the test specification as JSON.")
	return b.String(), nil
}

func buildAnalysisPrompt(a *analysis.ApplicationAnalysis) (string, error) {
	analysisJSON, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal page analysis: %w", err)
	}
	return "Page analysis:\n" + string(analysisJSON) + "\n\nList the user flows as JSON.", nil
}
