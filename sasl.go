// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

import (
	"encoding/base64"
	"errors"

	"mellium.im/sasl"

	"mellium.im/jingle/xmltree"
)

// Mechanism is one SASL authentication mechanism as used during login: it
// produces the initial <auth/> element and a <response/> for each
// <challenge/>. The caller owns the returned elements.
type Mechanism interface {
	Name() string
	StartAuth() (*xmltree.Element, error)
	HandleChallenge(challenge *xmltree.Element) (*xmltree.Element, error)
}

// saslMechanism adapts a mellium.im/sasl negotiator to the Mechanism
// interface, handling the XML framing and base64 transfer encoding.
type saslMechanism struct {
	name string
	neg  *sasl.Negotiator
}

// newSASLMechanism wires credentials and the server's offer into a
// negotiator for m.
func newSASLMechanism(m sasl.Mechanism, username, password string, offered []string) *saslMechanism {
	return &saslMechanism{
		name: m.Name,
		neg: sasl.NewClient(m,
			sasl.Credentials(func() ([]byte, []byte, []byte) {
				return []byte(username), []byte(password), nil
			}),
			sasl.RemoteMechanisms(offered...),
		),
	}
}

// Name satisfies Mechanism.
func (m *saslMechanism) Name() string { return m.name }

// StartAuth satisfies Mechanism.
func (m *saslMechanism) StartAuth() (*xmltree.Element, error) {
	_, resp, err := m.neg.Step(nil)
	if err != nil {
		return nil, err
	}
	el := xmltree.NewNS(NSSASL, "auth")
	el.SetAttr("mechanism", m.name)
	if len(resp) == 0 {
		// RFC 6120 §6.4.2: a zero-length initial response is transmitted
		// as a single equals sign.
		el.Text = "="
	} else {
		el.Text = base64.StdEncoding.EncodeToString(resp)
	}
	return el, nil
}

// HandleChallenge satisfies Mechanism.
func (m *saslMechanism) HandleChallenge(challenge *xmltree.Element) (*xmltree.Element, error) {
	data, err := base64.StdEncoding.DecodeString(challenge.Text)
	if err != nil {
		return nil, err
	}
	_, resp, err := m.neg.Step(data)
	if err != nil {
		return nil, err
	}
	el := xmltree.NewNS(NSSASL, "response")
	el.Text = base64.StdEncoding.EncodeToString(resp)
	return el, nil
}

var errUnknownMechanism = errors.New("jingle: unknown SASL mechanism")

// chooseBestSaslMechanism selects from the server's offer, preferring the
// strongest mechanism available. PLAIN is admitted only over an encrypted
// transport.
func chooseBestSaslMechanism(offered []string, encrypted bool) string {
	preferred := []string{sasl.ScramSha256.Name, sasl.ScramSha1.Name}
	if encrypted {
		preferred = append(preferred, sasl.Plain.Name)
	}
	for _, want := range preferred {
		for _, name := range offered {
			if name == want {
				return name
			}
		}
	}
	return ""
}

// lookupSASLMechanism maps a mechanism name chosen by policy to its
// implementation.
func lookupSASLMechanism(name, username, password string, offered []string) (Mechanism, error) {
	switch name {
	case sasl.ScramSha256.Name:
		return newSASLMechanism(sasl.ScramSha256, username, password, offered), nil
	case sasl.ScramSha1.Name:
		return newSASLMechanism(sasl.ScramSha1, username, password, offered), nil
	case sasl.Plain.Name:
		return newSASLMechanism(sasl.Plain, username, password, offered), nil
	}
	return nil, errUnknownMechanism
}
