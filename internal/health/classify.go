// Package health tracks per-source connectivity for the photo frame.
//
// Every fetch outcome is fed into a Tracker, which flips a source offline
// only for network-level failures and notifies subscribers on transitions.
package health

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrNetworkOffline is reported when the host has no connectivity at all.
var ErrNetworkOffline = errors.New("network offline")

// Classification is the failure taxonomy used by the Tracker.
type Classification int

const (
	// ClassApplication covers reachable-server failures (non-2xx, bad payload)
	// and anything unrecognized.
	ClassApplication Classification = iota
	ClassTimeout
	ClassDNS
	ClassRefused
	ClassAborted
	ClassOffline
)

// String returns the string representation of a Classification
func (c Classification) String() string {
	switch c {
	case ClassApplication:
		return "application"
	case ClassTimeout:
		return "timeout"
	case ClassDNS:
		return "dns"
	case ClassRefused:
		return "refused"
	case ClassAborted:
		return "aborted"
	case ClassOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// IsNetwork reports whether the class marks a source offline.
func (c Classification) IsNetwork() bool {
	return c != ClassApplication
}

// statusCoder is satisfied by HTTP status errors from source adapters.
type statusCoder interface {
	HTTPStatus() int
}

// Network error message fragments, checked only when no typed error matched.
// Lowercase.
var networkPatterns = []struct {
	pattern string
	class   Classification
}{
	{"i/o timeout", ClassTimeout},
	{"deadline exceeded", ClassTimeout},
	{"timeout awaiting", ClassTimeout},
	{"exceed context deadline", ClassTimeout},
	{"no such host", ClassDNS},
	{"server misbehaving", ClassDNS},
	{"connection refused", ClassRefused},
	{"connection reset", ClassAborted},
	{"broken pipe", ClassAborted},
	{"unexpected eof", ClassAborted},
	{"failed to fetch", ClassAborted},
	{"network is unreachable", ClassOffline},
	{"no route to host", ClassOffline},
}

// Classify maps an error observed during a fetch to a Classification.
// Unrecognized errors are application-level.
func Classify(err error) Classification {
	if err == nil {
		return ClassApplication
	}

	if errors.Is(err, ErrNetworkOffline) {
		return ClassOffline
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return ClassApplication
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ClassTimeout
		}
		return ClassDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ClassRefused
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return ClassOffline
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.Canceled):
		return ClassAborted
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return ClassRefused
		}
		return ClassAborted
	}

	msg := strings.ToLower(err.Error())
	for _, p := range networkPatterns {
		if strings.Contains(msg, p.pattern) {
			return p.class
		}
	}
	return ClassApplication
}
