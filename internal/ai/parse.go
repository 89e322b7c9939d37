package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSON returns the first balanced JSON value delimited by opening/closing
// in a response that may contain surrounding text or markdown fences.
func extractJSON(response string, opening, closing byte) (string, error) {
	trimmed := strings.TrimSpace(response)
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, string(opening)) {
		return trimmed, nil
	}

	start := strings.IndexByte(response, opening)
	if start == -1 {
		return "", fmt.Errorf("no JSON %c...%c found in response", opening, closing)
	}

	// Find matching closing bracket, skipping string contents
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case opening:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return response[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("no matching closing %c found", closing)
}
