package socket

import (
	"net/netip"
	"strconv"
	"strings"
)

const maxPort = 65535

// IsLegalPort reports whether port is an integer in [0, 65535]. Strings are
// trimmed and must be entirely decimal digits: a leading-number parse is
// not enough, so "80x" is rejected rather than read as 80.
func IsLegalPort[T int | string](port T) bool {
	switch p := any(port).(type) {
	case int:
		return p >= 0 && p <= maxPort
	case string:
		_, err := ParsePort(p)
		return err == nil
	}
	return false
}

// ParsePort converts a textual port, rejecting anything IsLegalPort would.
func ParsePort(s string) (int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, &ValidationError{Option: "port", Value: s, Reason: "empty"}
	}
	if strings.HasPrefix(trimmed, "+") || strings.HasPrefix(trimmed, "-") {
		return 0, &ValidationError{Option: "port", Value: s, Reason: "must be an unsigned integer"}
	}
	p, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, &ValidationError{Option: "port", Value: s, Reason: "not a number"}
	}
	if p > maxPort {
		return 0, &ValidationError{Option: "port", Value: s, Reason: "out of range"}
	}
	return p, nil
}

func checkPort(option string, port int) error {
	if !IsLegalPort(port) {
		return &ValidationError{Option: option, Value: strconv.Itoa(port), Reason: "must be >= 0 and <= 65535"}
	}
	return nil
}

func checkIP(option, addr string) error {
	if _, err := netip.ParseAddr(addr); err != nil {
		return &ValidationError{Option: option, Value: addr, Reason: "not a valid IP address"}
	}
	return nil
}
