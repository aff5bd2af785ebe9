package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Scheme selects the Transport implementation for a target.
type Scheme string

// Recognized target schemes.
const (
	SchemeCANRaw    Scheme = "can-raw"
	SchemeISOTP     Scheme = "isotp"
	SchemeDoIP      Scheme = "doip"
	SchemeTCP       Scheme = "tcp"
	SchemeUDP       Scheme = "udp"
	SchemeUnixLines Scheme = "unix-lines"
)

// TargetURI is a parsed target address:
// scheme://host_or_path[:port][?key=value&...]. Immutable once resolved.
type TargetURI struct {
	Scheme   Scheme
	Hostname string
	Port     int
	Path     string

	raw   string
	query url.Values
}

// ParseTargetURI validates the address against its scheme's requirements:
// CAN schemes need an interface name, IP schemes need host and port, unix
// schemes need a socket path.
func ParseTargetURI(raw string) (*TargetURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", raw, err)
	}

	t := &TargetURI{
		Scheme:   Scheme(u.Scheme),
		Hostname: u.Hostname(),
		Path:     u.Path,
		raw:      raw,
		query:    u.Query(),
	}
	if p := u.Port(); p != "" {
		if t.Port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("parse target %q: invalid port: %w", raw, err)
		}
	}

	switch t.Scheme {
	case SchemeCANRaw, SchemeISOTP:
		if t.Hostname == "" {
			return nil, fmt.Errorf("target %q: missing CAN interface name", raw)
		}
	case SchemeTCP, SchemeUDP, SchemeDoIP:
		if t.Hostname == "" || t.Port == 0 {
			return nil, fmt.Errorf("target %q: missing host or port", raw)
		}
	case SchemeUnixLines:
		if t.Path == "" {
			return nil, fmt.Errorf("target %q: missing socket path", raw)
		}
	default:
		return nil, &UnsupportedSchemeError{Scheme: u.Scheme}
	}
	return t, nil
}

func (t *TargetURI) String() string { return t.raw }

// HostPort returns the address in net.Dial form.
func (t *TargetURI) HostPort() string {
	return net.JoinHostPort(t.Hostname, strconv.Itoa(t.Port))
}

// HasParam reports whether the query parameter is present, regardless of
// its value.
func (t *TargetURI) HasParam(name string) bool {
	return t.query.Has(name)
}

// BoolParam returns the query parameter as a bool, or def when absent.
func (t *TargetURI) BoolParam(name string, def bool) (bool, error) {
	v := t.query.Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("target %q: parameter %s: %w", t.raw, name, err)
	}
	return b, nil
}

// UintParam returns the query parameter as an unsigned integer, decimal or
// 0x-prefixed hex, or def when absent.
func (t *TargetURI) UintParam(name string, def uint32) (uint32, error) {
	v := t.query.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("target %q: parameter %s: %w", t.raw, name, err)
	}
	return uint32(n), nil
}
