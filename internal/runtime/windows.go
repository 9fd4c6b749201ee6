package runtime

import "strings"

// DefaultContextWindow is assumed when the model is unknown.
const DefaultContextWindow = 200_000

// ContextWindowForModel infers the context window size from a model name.
// The result event may later override this with the backend's own figure.
func ContextWindowForModel(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "[1m]"):
		return 1_000_000
	case strings.Contains(m, "haiku"),
		strings.Contains(m, "sonnet"),
		strings.Contains(m, "opus"):
		return 200_000
	default:
		return DefaultContextWindow
	}
}
