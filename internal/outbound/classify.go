package outbound

import "strings"

// permanentMarkers lists substrings an adapter send error is classified
// permanent (non-retryable) for, rather than transient. Provisional:
// this substring match is kept for parity with known adapter error
// strings rather than a typed error taxonomy per adapter.
var permanentMarkers = []string{
	"Platform configuration",
	"not found",
	"timed out",
	"disabled",
	"invalid",
	"EFATAL",
	"not provided",
}

// isPermanent reports whether err's message matches one of the literal
// permanent-failure markers.
func isPermanent(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
