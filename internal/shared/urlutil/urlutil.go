// Package urlutil parses, validates and canonicalises the URLs that flow
// through the registry, the importer and the preview cache.
package urlutil

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidURL is matched by every InvalidURLError via errors.Is.
var ErrInvalidURL = errors.New("invalid URL")

// InvalidURLError describes why an input could not be used as an http(s) URL.
type InvalidURLError struct {
	Input  string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid URL %q: %s", e.Input, e.Reason)
}

func (e *InvalidURLError) Is(target error) bool { return target == ErrInvalidURL }

// ParseHTTP parses raw as an absolute http or https URL with a host.
func ParseHTTP(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &InvalidURLError{Input: raw, Reason: "empty"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &InvalidURLError{Input: raw, Reason: "malformed"}
	}
	if !u.IsAbs() {
		return nil, &InvalidURLError{Input: raw, Reason: "not an absolute URL"}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &InvalidURLError{Input: raw, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Hostname() == "" {
		return nil, &InvalidURLError{Input: raw, Reason: "missing host"}
	}
	if port := u.Port(); port != "" && strings.Trim(port, "0123456789") != "" {
		return nil, &InvalidURLError{Input: raw, Reason: "invalid port"}
	}
	return u, nil
}

// Normalize returns the canonical string for an http(s) URL: lower-case scheme
// and host, IDNA host in ASCII form, default port dropped, fragment dropped and
// an empty path written as "/".
func Normalize(raw string) (string, error) {
	u, err := canonical(raw)
	if err != nil {
		return "", err
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// NormalizeOrigin canonicalises a proxy endpoint URL. A bare origin keeps no
// trailing slash so "http://p:8080" and "http://p:8080/" dedupe together.
func NormalizeOrigin(raw string) (string, error) {
	u, err := canonical(raw)
	if err != nil {
		return "", err
	}
	if u.Path == "/" {
		u.Path = ""
	}
	u.RawQuery = ""
	return u.String(), nil
}

func canonical(raw string) (*url.URL, error) {
	u, err := ParseHTTP(raw)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	u.RawFragment = ""

	host := strings.ToLower(u.Hostname())
	if ip := net.ParseIP(host); ip == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return nil, &InvalidURLError{Input: raw, Reason: "invalid host"}
		}
		host = ascii
	}

	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	return u, nil
}
