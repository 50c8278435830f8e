package content

import "strings"

// DefaultChallengeMarkers identify the common anti-bot interstitial.
var DefaultChallengeMarkers = []string{"Just a moment", "Verify you are human"}

// Signature detects an interstitial page. A page matches only when every
// marker is present.
type Signature struct {
	Markers []string
}

// DefaultSignature returns a Signature over DefaultChallengeMarkers.
func DefaultSignature() Signature {
	return Signature{Markers: append([]string(nil), DefaultChallengeMarkers...)}
}

// Matches reports whether text carries every marker. An empty signature
// never matches.
func (s Signature) Matches(text string) bool {
	if len(s.Markers) == 0 {
		return false
	}
	for _, marker := range s.Markers {
		if !strings.Contains(text, marker) {
			return false
		}
	}
	return true
}
