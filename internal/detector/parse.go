package detector

import (
	"fmt"
	"strings"
)

// Parse builds a Detector from its Describe form: "tcp:<host:port>",
// "pidfile:<path>" or "cmd:<command line>". An empty string yields nil.
func Parse(s string) (Detector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	kind, arg, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(arg) == "" {
		return nil, fmt.Errorf("detector %q: want <kind>:<argument>", s)
	}
	switch kind {
	case "tcp":
		return TCPDetector{Address: arg}, nil
	case "pidfile":
		return PIDFileDetector{PIDFile: arg}, nil
	case "cmd":
		return CommandDetector{Command: arg}, nil
	}
	return nil, fmt.Errorf("detector %q: unknown kind %q", s, kind)
}
