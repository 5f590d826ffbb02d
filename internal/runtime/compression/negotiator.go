package compression

import (
	"strconv"
	"strings"
)

// Supported content encodings, in default preference order.
const (
	EncodingBrotli   = "br"
	EncodingZstd     = "zstd"
	EncodingGzip     = "gzip"
	EncodingIdentity = "identity"
)

var encodingOrder = []string{EncodingBrotli, EncodingZstd, EncodingGzip}

// Negotiator selects a response encoding from the client's Accept-Encoding
// against the configured preference, payload floor, and content-type filter.
type Negotiator struct {
	preferred string
	minBytes  int
	types     []string
}

// Options configures the negotiator.
type Options struct {
	// Preferred is the encoding to pick first when the client accepts it.
	Preferred string
	// MinBytes is the smallest payload worth compressing.
	MinBytes int
	// Types are content-type prefixes eligible for compression.
	Types []string
}

// NewNegotiator builds a negotiator; unset options fall back to brotli-first
// with a 1 KiB floor.
func NewNegotiator(opts Options) *Negotiator {
	preferred := strings.ToLower(strings.TrimSpace(opts.Preferred))
	if !knownEncoding(preferred) {
		preferred = EncodingBrotli
	}
	minBytes := opts.MinBytes
	if minBytes <= 0 {
		minBytes = 1024
	}
	types := opts.Types
	if len(types) == 0 {
		types = []string{"text/", "application/json", "application/javascript", "application/xml", "image/svg+xml"}
	}
	return &Negotiator{preferred: preferred, minBytes: minBytes, types: types}
}

// Select returns the encoding to apply, or identity when compression is not
// worthwhile: payload under the floor, ineligible content type, or no mutually
// acceptable codec.
func (n *Negotiator) Select(acceptEncoding, contentType string, size int) string {
	if size < n.minBytes || !n.eligibleType(contentType) {
		return EncodingIdentity
	}
	accepted := parseAcceptEncoding(acceptEncoding)
	if len(accepted) == 0 {
		return EncodingIdentity
	}
	if q, ok := accepted[n.preferred]; ok && q > 0 {
		return n.preferred
	}
	for _, encoding := range encodingOrder {
		if q, ok := accepted[encoding]; ok && q > 0 {
			return encoding
		}
	}
	return EncodingIdentity
}

func (n *Negotiator) eligibleType(contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.IndexByte(mediaType, ';'); idx >= 0 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	if mediaType == "" {
		return false
	}
	for _, prefix := range n.types {
		if strings.HasPrefix(mediaType, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// parseAcceptEncoding maps accepted codings to their q-values. A wildcard
// entry enables every known coding not otherwise listed.
func parseAcceptEncoding(header string) map[string]float64 {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	accepted := make(map[string]float64)
	wildcard := -1.0
	for _, part := range strings.Split(header, ",") {
		coding, q := parseCoding(part)
		if coding == "" {
			continue
		}
		if coding == "*" {
			wildcard = q
			continue
		}
		accepted[coding] = q
	}
	if wildcard >= 0 {
		for _, encoding := range encodingOrder {
			if _, ok := accepted[encoding]; !ok {
				accepted[encoding] = wildcard
			}
		}
	}
	return accepted
}

func parseCoding(part string) (string, float64) {
	fields := strings.Split(part, ";")
	coding := strings.ToLower(strings.TrimSpace(fields[0]))
	q := 1.0
	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok || strings.ToLower(strings.TrimSpace(key)) != "q" {
			continue
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return coding, 0
		}
		q = parsed
	}
	return coding, q
}

func knownEncoding(encoding string) bool {
	for _, known := range encodingOrder {
		if encoding == known {
			return true
		}
	}
	return false
}
