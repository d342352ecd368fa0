package encoder

import "strings"

// FailureKind classifies a failure signature seen in encoder output.
type FailureKind string

const (
	// FailureNetwork covers connectivity loss to the ingest endpoint;
	// reconnecting is likely to help.
	FailureNetwork FailureKind = "network"
	// FailureDevice covers capture-device problems; reconnecting may help
	// once the device is released.
	FailureDevice FailureKind = "device"
	// FailureUnknown is an unclassified fatal pattern.
	FailureUnknown FailureKind = "unknown"
)

// SignatureMatcher inspects one line of encoder diagnostic output for a known
// fatal pattern. Implementations must be safe for use from the stderr reader
// goroutine.
type SignatureMatcher interface {
	Match(line string) (FailureKind, bool)
}

// keywordMatcher classifies lines by case-insensitive substring match,
// most-specific category first.
type keywordMatcher struct {
	device  []string
	network []string
}

// DefaultMatcher returns the matcher for ffmpeg's RTMP output: broken-pipe
// and connection-reset patterns that appear when the ingest endpoint drops
// the session, plus capture-device errors.
func DefaultMatcher() SignatureMatcher {
	return &keywordMatcher{
		device: []string{
			"device or resource busy",
			"no such device",
			"cannot open video device",
			"not a video capture device",
		},
		network: []string{
			"broken pipe",
			"connection reset",
			"connection refused",
			"connection timed out",
			"network is unreachable",
			"failed to resolve hostname",
			"error writing trailer",
			"end of file",
		},
	}
}

func (m *keywordMatcher) Match(line string) (FailureKind, bool) {
	l := strings.ToLower(line)
	for _, kw := range m.device {
		if strings.Contains(l, kw) {
			return FailureDevice, true
		}
	}
	for _, kw := range m.network {
		if strings.Contains(l, kw) {
			return FailureNetwork, true
		}
	}
	return "", false
}
