// Package server parses the header block of a handshake request into a
// HeaderMap.
package server

import (
	"bytes"
	"fmt"
	"strings"
)

// HeaderMap maps a header name, case-sensitive and without its trailing
// colon, to the first whitespace-delimited token of its value.
type HeaderMap map[string]string

// ParseHeaders turns the header block that follows the request line into a
// HeaderMap. Empty lines are skipped. A non-empty line with fewer than two
// whitespace-delimited fields fails with ErrMalformedHeader. Later duplicates
// overwrite earlier ones; folding and continuation lines are not supported.
func ParseHeaders(block []byte) (HeaderMap, error) {
	headers := make(HeaderMap)

	for i, line := range bytes.Split(block, []byte("\n")) {
		fields := strings.Fields(string(line))
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: line %d: %q", ErrMalformedHeader, i+1, strings.TrimSpace(string(line)))
		}

		name := strings.TrimSuffix(fields[0], ":")
		headers[name] = fields[1]
	}

	return headers, nil
}
