package push

import (
	"strings"

	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
)

// invalidTokenMarkers are message fragments FCM uses for permanently dead
// recipients. The transport does not expose a stable typed error in every
// code path, so the substring match backs up the typed checks.
var invalidTokenMarkers = []string{
	"registration token",
	"not registered",
	"invalid registration",
	"invalid argument",
	"unregistered",
	"mismatched-credential",
}

// isInvalidToken reports whether a per-token send error means the recipient
// is permanently gone (token unregistered, malformed, or bound to another
// project) as opposed to a transient failure. The single place the
// classification heuristic lives.
func isInvalidToken(err error) bool {
	if err == nil {
		return false
	}
	if messaging.IsUnregistered(err) {
		return true
	}
	if errorutils.IsInvalidArgument(err) || errorutils.IsNotFound(err) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, marker := range invalidTokenMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
