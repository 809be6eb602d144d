// Package addr implements the address codec (C8): parsing and emitting an
// (IP, port) pair from a structured attribute carrier, independent of the
// wire format the carrier happens to use (XML stanza, JSON object, URL query
// — anything that can answer "does this attribute exist" and "what's its
// string value").
package addr

import (
	"fmt"
	"net"
	"strconv"
)

// AttrGetter is the read side of a structured attribute carrier. A signaling
// message envelope, an XML element, or a url.Values can all satisfy this.
type AttrGetter interface {
	Attr(name string) (value string, ok bool)
}

// AttrSetter is the write side, used by EmitAddress.
type AttrSetter interface {
	SetAttr(name, value string)
}

// ParseError reports a missing or malformed attribute. Matches the
// transport package's category-2, recoverable error shape: named fields,
// no wrapped stack trace, safe to log and skip.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return e.Reason }

// ParseAddress extracts an IP/port pair from getter's addressAttr/portAttr
// fields. Both attributes must be present; the address is taken verbatim
// (format validation is net.ParseIP's job, deferred to the caller — the
// original parser does no IP validation either, since SocketAddress::SetIP
// accepts a hostname too). The port is parsed as a decimal integer; a value
// outside 0-65535 is rejected with a ParseError.
func ParseAddress(getter AttrGetter, addressAttr, portAttr string) (ip string, port int, err error) {
	address, ok := getter.Attr(addressAttr)
	if !ok {
		return "", 0, &ParseError{Reason: fmt.Sprintf("address does not have %s", addressAttr)}
	}
	portStr, ok := getter.Attr(portAttr)
	if !ok {
		return "", 0, &ParseError{Reason: fmt.Sprintf("address does not have %s", portAttr)}
	}

	p, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, &ParseError{Reason: fmt.Sprintf("%s is not a valid port: %v", portAttr, err)}
	}
	if p < 0 || p > 65535 {
		return "", 0, &ParseError{Reason: fmt.Sprintf("%s out of range: %d", portAttr, p)}
	}

	return address, p, nil
}

// ParseIPAddress is ParseAddress plus net.ParseIP, for callers that need a
// validated net.IP rather than the raw string the original carried.
func ParseIPAddress(getter AttrGetter, addressAttr, portAttr string) (net.IP, int, error) {
	raw, port, err := ParseAddress(getter, addressAttr, portAttr)
	if err != nil {
		return nil, 0, err
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, 0, &ParseError{Reason: fmt.Sprintf("%s is not a valid IP address: %q", addressAttr, raw)}
	}
	return ip, port, nil
}

// EmitAddress writes ip/port back into setter under addressAttr/portAttr,
// the inverse of ParseAddress.
func EmitAddress(setter AttrSetter, addressAttr, portAttr, ip string, port int) {
	setter.SetAttr(addressAttr, ip)
	setter.SetAttr(portAttr, strconv.Itoa(port))
}
