package llm

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

//go:embed prompts.json
var promptFile []byte

var (
	promptOnce sync.Once
	promptSet  map[string]string
	promptErr  error
)

// Prompt returns the embedded prompt template for key.
func Prompt(key string) (string, error) {
	promptOnce.Do(func() {
		promptErr = json.Unmarshal(promptFile, &promptSet)
	})
	if promptErr != nil {
		return "", fmt.Errorf("parse prompts.json: %w", promptErr)
	}
	p, ok := promptSet[key]
	if !ok {
		return "", fmt.Errorf("prompt key %q not found", key)
	}
	return p, nil
}

// Format replaces {{.Key}} placeholders with values from data.
func Format(template string, data map[string]string) string {
	out := template
	for k, v := range data {
		out = strings.ReplaceAll(out, "{{."+k+"}}", v)
	}
	return out
}
