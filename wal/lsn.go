package wal

import (
	"fmt"
	"strconv"
	"strings"
)

// LSN is a position in the write-ahead log. Positions are byte offsets and
// grow monotonically; zero is reserved as the invalid position.
type LSN uint64

// InvalidLSN marks an unset position.
const InvalidLSN LSN = 0

// IsValid reports whether the position is set.
func (l LSN) IsValid() bool {
	return l != InvalidLSN
}

// String renders the position as two 32-bit hex halves, e.g. "0/16B3748".
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// ParseLSN parses the "%X/%X" form produced by String.
func ParseLSN(s string) (LSN, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return InvalidLSN, fmt.Errorf("invalid LSN %q: missing '/'", s)
	}
	upper, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return InvalidLSN, fmt.Errorf("invalid LSN %q: %w", s, err)
	}
	lower, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return InvalidLSN, fmt.Errorf("invalid LSN %q: %w", s, err)
	}
	return LSN(upper<<32 | lower), nil
}

// MaxLSN returns the later of two positions.
func MaxLSN(a, b LSN) LSN {
	if a > b {
		return a
	}
	return b
}
