// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"mellium.im/jingle/internal/idgen"
	"mellium.im/jingle/jid"
	"mellium.im/jingle/xmltree"
)

var (
	// ErrTLSUnavailable is reported when the server accepts a STARTTLS
	// request but no upgrade capability was configured. STARTTLS is
	// requested whenever the server offers it, not only when it is required.
	ErrTLSUnavailable = errors.New("jingle: no StartTLS capability configured")

	errLoginFailed = errors.New("jingle: login failed")
)

// Config carries everything a Session needs to negotiate.
type Config struct {
	// JID is the address to authenticate as. The domainpart names the
	// stream peer.
	JID jid.JID
	// Password authenticates the localpart of JID.
	Password string
	// Resource, if set, is requested at bind time; otherwise the server
	// assigns one.
	Resource string
	// RequireTLS makes the STARTTLS upgrade mandatory: login fails if the
	// server does not advertise STARTTLS or the upgrade cannot happen.
	RequireTLS bool
	// Encrypted marks the transport as already encrypted (eg. a direct TLS
	// connection), which widens the acceptable SASL mechanisms.
	Encrypted bool
	// StartTLS upgrades the transport in place, verifying the peer as
	// domain. Nil leaves the session unable to honor <starttls/>.
	StartTLS func(domain string, conn io.ReadWriter) (io.ReadWriter, error)
	// Logger receives diagnostics; nil means none.
	Logger *zap.Logger

	// OnBound is invoked once the session is live.
	OnBound func(j jid.JID)
	// OnError is invoked on terminal login failure.
	OnError func(reason Reason, cause error)
	// OnStanza receives inbound stanzas after login has completed.
	OnStanza func(el *xmltree.Element)
}

// Session owns one client connection: it feeds inbound elements to a
// LoginTask until the session is live and routes application stanzas in
// both directions. It is the standard Engine implementation.
//
// A session is confined to the goroutine that calls Serve; only the
// outgoing side (Send) may be driven from protocol callbacks.
type Session struct {
	conn io.ReadWriter
	d    *xml.Decoder
	cfg  Config
	log  *zap.Logger

	login     *LoginTask
	encrypted bool
	offered   []string
	bound     jid.JID

	failReason Reason
	failCause  error
	sendErr    error
}

var _ Engine = (*Session)(nil)

// NewSession wraps an established transport, which counts as encrypted only
// if cfg.Encrypted is set. Negotiation does not begin until Serve is called.
func NewSession(conn io.ReadWriter, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Session{
		conn:      conn,
		cfg:       cfg,
		log:       cfg.Logger,
		encrypted: cfg.Encrypted,
	}
	s.login = NewLoginTask(s, cfg.Logger)
	return s
}

// Bound returns the full address assigned at bind time, or the zero JID
// before the session is live.
func (s *Session) Bound() jid.JID { return s.bound }

// Send emits an application stanza. Stanzas sent before login completes are
// buffered by the login task and flushed, in order, when the session goes
// live.
func (s *Session) Send(el *xmltree.Element) error {
	s.login.OutgoingStanza(el)
	return s.sendErr
}

// Serve drives the connection: it starts the login negotiation and then
// decodes inbound elements until the transport fails or the peer closes
// the stream. It returns nil on an orderly stream close.
func (s *Session) Serve() error {
	s.login.Advance()
	for {
		if s.failReason != ReasonNone {
			if s.failCause != nil {
				return fmt.Errorf("%w: %s: %v", errLoginFailed, s.failReason, s.failCause)
			}
			return fmt.Errorf("%w: %s", errLoginFailed, s.failReason)
		}
		if s.sendErr != nil {
			return s.sendErr
		}

		tok, err := s.d.Token()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch start := tok.(type) {
		case xml.StartElement:
			if start.Name.Space == NSStream && start.Name.Local == "stream" {
				s.login.IncomingStanza(xmltree.FromStart(start), true)
				continue
			}
			el, err := xmltree.ReadFrom(s.d, start)
			if err != nil {
				return err
			}
			if !s.login.Done() {
				s.login.IncomingStanza(el, false)
			} else if s.cfg.OnStanza != nil {
				s.cfg.OnStanza(el)
			}
		case xml.EndElement:
			// </stream:stream>: the peer closed the stream.
			if start.Name.Space == NSStream && start.Name.Local == "stream" {
				return nil
			}
		}
	}
}

// RaiseReset satisfies Engine: stream-level state is discarded so the next
// element read is a fresh stream open.
func (s *Session) RaiseReset() {
	s.log.Debug("stream reset")
	s.d = xml.NewDecoder(s.conn)
}

// SendStreamStart satisfies Engine.
func (s *Session) SendStreamStart(domain string) {
	_, err := fmt.Fprintf(s.conn,
		`<stream:stream to="%s" xmlns="%s" xmlns:stream="%s" version="1.0">`,
		domain, NSClient, NSStream)
	if err != nil && s.sendErr == nil {
		s.sendErr = err
	}
}

// SendStanza satisfies Engine.
func (s *Session) SendStanza(el *xmltree.Element) {
	enc := xml.NewEncoder(s.conn)
	if err := el.WriteXML(enc); err != nil {
		if s.sendErr == nil {
			s.sendErr = err
		}
		return
	}
	if err := enc.Flush(); err != nil && s.sendErr == nil {
		s.sendErr = err
	}
}

// StartTLS satisfies Engine.
func (s *Session) StartTLS(domain string) error {
	if s.cfg.StartTLS == nil {
		return ErrTLSUnavailable
	}
	conn, err := s.cfg.StartTLS(domain, s.conn)
	if err != nil {
		return err
	}
	s.conn = conn
	s.encrypted = true
	s.log.Debug("transport upgraded", zap.String("domain", domain))
	return nil
}

// NextID satisfies Engine.
func (s *Session) NextID() string {
	return idgen.RandomID(8)
}

// ChooseSASLMechanism satisfies Engine.
func (s *Session) ChooseSASLMechanism(offered []string, encrypted bool) string {
	s.offered = offered
	return chooseBestSaslMechanism(offered, encrypted)
}

// SASLMechanism satisfies Engine.
func (s *Session) SASLMechanism(name string) Mechanism {
	m, err := lookupSASLMechanism(name, s.cfg.JID.Localpart(), s.cfg.Password, s.offered)
	if err != nil {
		s.log.Debug("mechanism unavailable", zap.String("name", name))
		return nil
	}
	return m
}

// SignalBound satisfies Engine.
func (s *Session) SignalBound(j jid.JID) {
	s.bound = j
	s.log.Debug("session bound", zap.Stringer("jid", j))
	if s.cfg.OnBound != nil {
		s.cfg.OnBound(j)
	}
}

// SignalError satisfies Engine.
func (s *Session) SignalError(reason Reason, cause error) {
	s.failReason = reason
	s.failCause = cause
	if s.cfg.OnError != nil {
		s.cfg.OnError(reason, cause)
	}
}

// UserJID satisfies Engine.
func (s *Session) UserJID() jid.JID { return s.cfg.JID }

// TLSRequired satisfies Engine.
func (s *Session) TLSRequired() bool { return s.cfg.RequireTLS }

// RequestedResource satisfies Engine.
func (s *Session) RequestedResource() string { return s.cfg.Resource }

// Encrypted satisfies Engine.
func (s *Session) Encrypted() bool { return s.encrypted }
