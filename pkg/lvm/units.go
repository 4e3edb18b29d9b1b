package lvm

import (
	"fmt"
	"strconv"
	"strings"
)

// parseByteSize parses an lvs --units=b value, which carries a trailing
// unit marker (e.g. "134217728B") even in byte mode. Trailing unit-marker
// letters (B, i, K, M, G, T, P, E in either case) are stripped before
// parsing; any other trailing character makes the parse fail.
func parseByteSize(s string) (uint64, error) {
	trimmed := strings.TrimRight(s, "BbBiKkMmGgTtPpEe")
	if trimmed == "" {
		return 0, fmt.Errorf("lvm: empty size value %q", s)
	}

	n, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("lvm: parse size %q: %w", s, err)
	}

	return n, nil
}
