package security

import (
	"fmt"
	"strings"
)

// smugglingPatterns are byte sequences that could split one submitted line
// into several server commands.
var smugglingPatterns = []string{"\n", "\r", "\x00"}

// ValidateGameCommand checks a raw command submitted over the API against
// the configured verb allowlist. A "*" entry allows every verb; an empty
// allowlist denies everything.
func ValidateGameCommand(cmd string, allowedVerbs []string) error {
	if strings.TrimSpace(cmd) == "" {
		return fmt.Errorf("empty command")
	}

	for _, pattern := range smugglingPatterns {
		if strings.Contains(cmd, pattern) {
			return fmt.Errorf("command contains blocked byte %q", pattern)
		}
	}

	verb := extractVerb(cmd)
	if len(allowedVerbs) == 0 {
		return fmt.Errorf("no commands are allowed")
	}

	for _, allowed := range allowedVerbs {
		if allowed == "*" {
			return nil
		}
		if verb == allowed {
			return nil
		}
	}

	return fmt.Errorf("command %q is not in the allowed list", verb)
}

// extractVerb returns the leading command word, without any slash prefix.
func extractVerb(cmd string) string {
	parts := strings.Fields(strings.TrimSpace(cmd))
	if len(parts) == 0 {
		return ""
	}
	return strings.TrimPrefix(parts[0], "/")
}
