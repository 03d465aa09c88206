// Package macaddr canonicalises hardware addresses to the single form used as
// a key throughout the tables: six uppercase hex octets separated by colons.
package macaddr

import (
	"fmt"
	"net"
	"strings"
)

// Canonical parses s in any notation accepted by net.ParseMAC and returns it
// as "AA:BB:CC:DD:EE:FF". Only 48-bit addresses are accepted.
func Canonical(s string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid MAC address %q: %w", s, err)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("invalid MAC address %q: expected 6 octets, got %d", s, len(hw))
	}
	return FromHardwareAddr(hw), nil
}

// FromHardwareAddr formats hw in canonical form.
func FromHardwareAddr(hw net.HardwareAddr) string {
	return strings.ToUpper(hw.String())
}

// Suffix returns the last three octets without separators ("DDEEFF"), used to
// synthesise a device name when none can be resolved.
func Suffix(canonical string) string {
	if len(canonical) < 8 {
		return strings.ReplaceAll(canonical, ":", "")
	}
	return strings.ReplaceAll(canonical[len(canonical)-8:], ":", "")
}
