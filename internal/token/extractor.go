// Package token extracts correlation identifiers from payload bytes using a
// bounded search. The scan window and marker length are fixed up front, so
// the worst-case number of byte comparisons per payload is a constant.
package token

// Defaults mirror the wire format of the instrumented services: a JSON-ish
// `"interval_id":"<uuid>"` tag near the start of each message.
const (
	DefaultMarker = `"interval_id":"`
	DefaultIDLen  = 36
	DefaultWindow = 200

	// MaxIDLen bounds the identifier copy regardless of configuration.
	MaxIDLen = 36

	seqMarker    = `"position":`
	maxSeqDigits = 10
)

// Extractor locates a literal marker within the first Window bytes of a
// payload and copies the fixed-length identifier that follows it. The zero
// value is not usable; construct with New.
type Extractor struct {
	marker []byte
	idLen  int
	window int
}

// New returns an Extractor for the given marker and identifier length.
// idLen is clamped to MaxIDLen and window must be positive.
func New(marker string, idLen, window int) Extractor {
	if idLen > MaxIDLen {
		idLen = MaxIDLen
	}
	if idLen < 1 {
		idLen = 1
	}
	if window < 1 {
		window = DefaultWindow
	}
	return Extractor{marker: []byte(marker), idLen: idLen, window: window}
}

// Default returns an Extractor with the package default marker, identifier
// length and scan window.
func Default() Extractor {
	return New(DefaultMarker, DefaultIDLen, DefaultWindow)
}

// IDLen reports the configured identifier length.
func (e Extractor) IDLen() int { return e.idLen }

// Extract searches payload for the marker and returns the identifier that
// immediately follows it. The marker must start within the scan window; the
// identifier itself may extend past the window but never past the payload.
// A malformed identifier (wrong length available or non-token characters)
// yields ok=false, never a partial result.
func (e Extractor) Extract(payload []byte) (string, bool) {
	if len(e.marker) == 0 {
		return "", false
	}
	limit := len(payload)
	if limit > e.window {
		limit = e.window
	}
	for i := 0; i+len(e.marker) <= limit; i++ {
		if !matchAt(payload, i, e.marker) {
			continue
		}
		start := i + len(e.marker)
		end := start + e.idLen
		if end > len(payload) {
			return "", false
		}
		id := payload[start:end]
		if !ValidIdentifier(string(id)) {
			return "", false
		}
		return string(id), true
	}
	return "", false
}

// ExtractSeq searches the same bounded window for a numeric sequence-position
// field. Absence is the normal outcome for payloads without one.
func (e Extractor) ExtractSeq(payload []byte) (uint32, bool) {
	marker := []byte(seqMarker)
	limit := len(payload)
	if limit > e.window {
		limit = e.window
	}
	for i := 0; i+len(marker) <= limit; i++ {
		if !matchAt(payload, i, marker) {
			continue
		}
		var (
			v      uint64
			digits int
		)
		for j := i + len(marker); j < len(payload) && digits < maxSeqDigits; j++ {
			c := payload[j]
			if c < '0' || c > '9' {
				break
			}
			v = v*10 + uint64(c-'0')
			digits++
		}
		if digits == 0 || v > 0xffffffff {
			return 0, false
		}
		return uint32(v), true
	}
	return 0, false
}

// ValidIdentifier reports whether id consists only of the hexadecimal-like
// token alphabet (hex digits and hyphens, as in a UUID).
func ValidIdentifier(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		case c == '-':
		default:
			return false
		}
	}
	return true
}

func matchAt(payload []byte, off int, marker []byte) bool {
	for j := 0; j < len(marker); j++ {
		if payload[off+j] != marker[j] {
			return false
		}
	}
	return true
}
