package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/delverhq/delver/internal/helpers"
)

// ExtractJSONObject returns the first balanced JSON object found in s.
// A ```json fence is preferred, then any fence, then the raw text.
func ExtractJSONObject(s string) (string, error) {
	var candidates []string
	if block, err := helpers.ExtractFencedBlock(s, "json"); err == nil {
		candidates = append(candidates, block)
	} else if block, err := helpers.ExtractFencedBlock(s); err == nil {
		candidates = append(candidates, block)
	}
	candidates = append(candidates, s)

	for _, c := range candidates {
		if obj := scanBalancedObject(c); obj != "" {
			return obj, nil
		}
	}
	return "", fmt.Errorf("no JSON object found in response")
}

// scanBalancedObject finds the first top-level {...} span via brace
// depth counting. Returns "" when none closes.
func scanBalancedObject(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// GenerateJSON asks the provider for a JSON reply and decodes the first
// object found in it into out.
func GenerateJSON(ctx context.Context, p LLMProvider, prompt, system string, out interface{}) error {
	response, err := p.Generate(ctx, prompt+"\n\nRespond with valid JSON only, no markdown formatting.", system, 0, 0)
	if err != nil {
		return err
	}

	raw, err := ExtractJSONObject(response)
	if err != nil {
		return fmt.Errorf("could not parse JSON from response: %.200s", response)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("could not parse JSON from response: %w", err)
	}
	return nil
}
