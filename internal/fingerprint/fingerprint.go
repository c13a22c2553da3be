// Package fingerprint maps image URIs to the short keys used by the memory
// and disk layers.
package fingerprint

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Size is the length of a rendered key in hex characters.
const Size = 16

const seed uint64 = 5381

// Key identifies a cached image. It doubles as the disk filename.
type Key string

// Of returns the key for uri. The same URI always yields the same key, also
// across process restarts.
func Of(uri string) Key {
	h := seed
	for _, b := range []byte(Normalize(uri)) {
		h = h*33 + uint64(b)
	}
	return Key(pad(strconv.FormatUint(h, 16)))
}

// Normalize returns the canonical form of an absolute URI. Relative or
// unparseable input is only trimmed.
func Normalize(uri string) string {
	uri = strings.TrimSpace(uri)
	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return uri
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u.Host = host

	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return string(k)
}

// Valid reports whether k has the shape produced by Of.
func (k Key) Valid() bool {
	if len(k) != Size {
		return false
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func pad(hex string) string {
	if len(hex) >= Size {
		return hex
	}
	return strings.Repeat("0", Size-len(hex)) + hex
}
