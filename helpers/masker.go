package helpers

import "strings"

// MaskSensitive redacts the arguments of credential carrying commands so a
// command trace can be logged safely. The verb itself is kept.
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	for _, cmd := range sensitiveCommands {
		if !strings.EqualFold(command, cmd) {
			continue
		}
		verb, rest, found := strings.Cut(line, " ")
		if !found || rest == "" {
			return line
		}
		return verb + " [REDACTED]"
	}
	return line
}
