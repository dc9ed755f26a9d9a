package runner

import (
	"fmt"
	"regexp"
	"strings"
)

var supportedPlaceholders = map[string]struct{}{
	"{prompt}":      {},
	"{prompt_file}": {},
	"{model}":       {},
}

var placeholderMatcher = regexp.MustCompile(`\{[^}]+\}`)

// BuildCommand substitutes the {model} placeholder into a configured
// agent command template, validating that no unsupported placeholder or
// NUL byte sneaks through (spec.md §6 agent command templating).
// {prompt} and {prompt_file} are accepted but left in the returned
// command unchanged; subprocadapter replaces {prompt_file} itself.
func BuildCommand(template, model, prompt string) (string, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return "", fmt.Errorf("runner: empty agent command template")
	}
	if strings.ContainsRune(template, '\x00') || strings.ContainsRune(prompt, '\x00') || strings.ContainsRune(model, '\x00') {
		return "", fmt.Errorf("runner: NUL byte in agent command, prompt, or model")
	}

	for _, match := range placeholderMatcher.FindAllString(template, -1) {
		if _, ok := supportedPlaceholders[match]; !ok {
			return "", fmt.Errorf("runner: unsupported placeholder %q in agent command", match)
		}
	}

	if strings.Contains(template, "{model}") && model == "" {
		return "", fmt.Errorf("runner: agent command requires a model but none was resolved")
	}

	cmd := strings.ReplaceAll(template, "{model}", model)
	return cmd, nil
}
