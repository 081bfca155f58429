package security

import (
	"regexp"

	"github.com/opsfleet/opsfleet/pkg/log"
)

// secretPattern matches the two field shapes that must never reach a log
// line verbatim: gatewayToken and containerSecret, however they're quoted.
var secretPattern = regexp.MustCompile(`(?i)(gatewaytoken|containersecret)["':=\s]+([A-Za-z0-9_\-./+=]{8,})`)

// Redact replaces any gatewayToken/containerSecret value embedded in msg
// with a fixed placeholder, preserving the field name for debuggability.
func Redact(msg string) string {
	return secretPattern.ReplaceAllString(msg, "$1=<redacted>")
}

// init registers Redact with pkg/log, whose message helpers apply it to the
// message text; events built directly on a zerolog logger do not pass
// through it. Registration avoids pkg/log importing pkg/security directly
// (would cycle back through pkg/log's own consumers in pkg/security's tests).
func init() {
	log.SetRedactor(Redact)
}
