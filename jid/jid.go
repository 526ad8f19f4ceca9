// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements the XMPP address format.
//
// Addresses (historically, Jabber IDs) comprise an optional localpart, a
// domainpart, and an optional resourcepart. An address with a resourcepart is
// "full" and identifies a single connected client; without one it is "bare"
// and identifies an account.
package jid

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

var (
	errNoDomain      = errors.New("jid: address must have a domainpart")
	errEmptyPart     = errors.New("jid: localpart or resourcepart must not be empty if present")
	errLongPart      = errors.New("jid: localpart or resourcepart must be smaller than 1024 bytes")
	errInvalidUTF8   = errors.New("jid: address contains invalid UTF-8")
	errInvalidDomain = errors.New("jid: domainpart contains an invalid character")
)

// JID represents an XMPP address. The zero value is the empty address.
//
// All parts are stored in their canonical form so that comparison with Equal
// has the greatest chance of succeeding.
type JID struct {
	local    string
	domain   string
	resource string
}

// Parse constructs a JID from its string representation
// ([localpart@]domainpart[/resourcepart]).
func Parse(s string) (JID, error) {
	local, domain, resource, err := split(s)
	if err != nil {
		return JID{}, err
	}
	return New(local, domain, resource)
}

// MustParse is like Parse but panics if the address cannot be parsed.
// It simplifies safe initialization of JIDs from known-good constant strings.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		if strconv.CanBackquote(s) {
			s = "`" + s + "`"
		} else {
			s = strconv.Quote(s)
		}
		panic(`jid: Parse(` + s + `): ` + err.Error())
	}
	return j
}

// New constructs a JID from the given localpart, domainpart, and
// resourcepart, applying the PRECIS profiles from RFC 7622 to each part.
func New(localpart, domainpart, resourcepart string) (JID, error) {
	if !utf8.ValidString(localpart) || !utf8.ValidString(resourcepart) {
		return JID{}, errInvalidUTF8
	}

	domainpart, err := idna.ToUnicode(strings.TrimSuffix(domainpart, "."))
	if err != nil {
		return JID{}, err
	}
	domainpart = strings.ToLower(domainpart)
	if !utf8.ValidString(domainpart) {
		return JID{}, errInvalidUTF8
	}
	if domainpart == "" {
		return JID{}, errNoDomain
	}

	if localpart != "" {
		localpart, err = precis.UsernameCaseMapped.String(localpart)
		if err != nil {
			return JID{}, err
		}
		if len(localpart) > 1023 {
			return JID{}, errLongPart
		}
	}
	if resourcepart != "" {
		resourcepart, err = precis.OpaqueString.String(resourcepart)
		if err != nil {
			return JID{}, err
		}
		if len(resourcepart) > 1023 {
			return JID{}, errLongPart
		}
	}

	return JID{
		local:    localpart,
		domain:   domainpart,
		resource: resourcepart,
	}, nil
}

// Localpart returns the localpart of the address (the part before the '@').
func (j JID) Localpart() string { return j.local }

// Domainpart returns the domainpart of the address.
func (j JID) Domainpart() string { return j.domain }

// Resourcepart returns the resourcepart of the address (the part after the
// first '/'), or the empty string if the address is bare.
func (j JID) Resourcepart() string { return j.resource }

// Bare returns a copy of the address with no resourcepart.
func (j JID) Bare() JID {
	return JID{local: j.local, domain: j.domain}
}

// IsFull reports whether the address has a resourcepart.
func (j JID) IsFull() bool { return j.resource != "" }

// IsZero reports whether the address is the zero value.
func (j JID) IsZero() bool { return j == JID{} }

// Equal reports whether j and j2 are equivalent addresses.
func (j JID) Equal(j2 JID) bool { return j == j2 }

// String satisfies fmt.Stringer and returns the canonical string
// representation of the address.
func (j JID) String() string {
	var b strings.Builder
	if j.local != "" {
		b.WriteString(j.local)
		b.WriteByte('@')
	}
	b.WriteString(j.domain)
	if j.resource != "" {
		b.WriteByte('/')
		b.WriteString(j.resource)
	}
	return b.String()
}

// split breaks an address string into its three parts without performing any
// preparation or enforcement.
func split(s string) (local, domain, resource string, err error) {
	// The resourcepart is everything after the first slash, slashes included.
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		resource = s[idx+1:]
		s = s[:idx]
		if resource == "" {
			return "", "", "", errEmptyPart
		}
	}
	if idx := strings.IndexByte(s, '@'); idx >= 0 {
		local = s[:idx]
		s = s[idx+1:]
		if local == "" {
			return "", "", "", errEmptyPart
		}
	}
	if strings.ContainsRune(s, '@') {
		return "", "", "", errInvalidDomain
	}
	return local, s, resource, nil
}
