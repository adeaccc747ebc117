package gateway

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortCandidate describes one serial port found during a discovery scan.
// Candidates are transient; a fresh list is produced per scan.
type PortCandidate struct {
	Path         string
	Description  string
	SerialNumber string
	VID          string
	PID          string
}

// bridgeKeywords are substrings seen in the USB descriptors of known mesh
// bridge adapters. A keyword hit promotes a candidate within its tier.
var bridgeKeywords = []string{"zigbee", "cc2531", "cc2538", "znp", "zstack", "usb", "serial"}

// primary and secondary USB-serial device path conventions. FTDI-style
// adapters enumerate as ttyUSB/usbserial, CDC ACM devices as ttyACM/usbmodem.
var (
	primaryUSBPatterns   = []string{"ttyUSB", "usbserial"}
	secondaryUSBPatterns = []string{"ttyACM", "usbmodem"}
)

// ScanPorts enumerates the serial ports visible to the OS.
func ScanPorts() ([]PortCandidate, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	candidates := make([]PortCandidate, 0, len(details))
	for _, d := range details {
		candidates = append(candidates, PortCandidate{
			Path:         d.Name,
			Description:  d.Product,
			SerialNumber: d.SerialNumber,
			VID:          d.VID,
			PID:          d.PID,
		})
	}
	return candidates, nil
}

// LocatePort picks the most plausible gateway port from a candidate list.
// Policy, in order: a single USB-serial path match wins outright; among
// several, a candidate whose descriptor carries a bridge keyword is
// preferred, then the primary path convention over the secondary; with no
// path matches a sole remaining candidate is taken. Anything else returns
// ok=false and the port must be pinned in configuration. This is a
// heuristic: a false positive is recovered by pinning, never by code.
func LocatePort(candidates []PortCandidate) (string, bool) {
	var usb []PortCandidate
	for _, c := range candidates {
		if isUSBPath(c.Path) {
			usb = append(usb, c)
		}
	}

	switch len(usb) {
	case 1:
		return usb[0].Path, true
	case 0:
		if len(candidates) == 1 {
			return candidates[0].Path, true
		}
		return "", false
	}

	var primaries []PortCandidate
	for _, c := range usb {
		if matchesAny(c.Path, primaryUSBPatterns) {
			primaries = append(primaries, c)
		}
	}
	if len(primaries) > 0 {
		return pickPreferred(primaries), true
	}
	return pickPreferred(usb), true
}

// pickPreferred returns the first candidate with a bridge keyword hit, else
// the first candidate.
func pickPreferred(list []PortCandidate) string {
	for _, c := range list {
		if hasBridgeKeyword(c) {
			return c.Path
		}
	}
	return list[0].Path
}

func isUSBPath(path string) bool {
	return matchesAny(path, primaryUSBPatterns) || matchesAny(path, secondaryUSBPatterns)
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func hasBridgeKeyword(c PortCandidate) bool {
	desc := strings.ToLower(c.Description + " " + c.SerialNumber)
	for _, kw := range bridgeKeywords {
		if strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}
