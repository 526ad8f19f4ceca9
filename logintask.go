// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

import (
	"go.uber.org/zap"

	"mellium.im/jingle/jid"
	"mellium.im/jingle/xmltree"
)

// Reason classifies why login failed.
type Reason int

// Login failure reasons.
const (
	ReasonNone Reason = iota
	// ReasonVersion means the server's stream open was missing or did not
	// negotiate XMPP 1.0.
	ReasonVersion
	// ReasonTLS means a required TLS upgrade was refused or unavailable.
	ReasonTLS
	// ReasonAuth means no usable SASL mechanism was agreed on.
	ReasonAuth
	// ReasonUnauthorized means the server rejected the credentials.
	ReasonUnauthorized
	// ReasonBind means resource binding or session establishment failed.
	ReasonBind
)

var reasonNames = [...]string{"none", "version", "tls", "auth", "unauthorized", "bind"}

// String satisfies fmt.Stringer.
func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "invalid"
}

// Engine is the collaborator a LoginTask drives. It supplies the transport
// operations, identifier generation, and authentication policy, and
// receives the task's lifecycle events.
type Engine interface {
	// RaiseReset resets stream-level state ahead of a (re)start.
	RaiseReset()
	// SendStreamStart emits a stream header addressed to domain.
	SendStreamStart(domain string)
	// SendStanza emits one stanza.
	SendStanza(el *xmltree.Element)
	// StartTLS upgrades the transport, verifying it against domain.
	// Subsequent I/O is encrypted.
	StartTLS(domain string) error
	// NextID returns a fresh IQ identifier.
	NextID() string
	// ChooseSASLMechanism picks from the mechanisms the server offered,
	// knowing whether the transport is already encrypted. It returns the
	// empty string when nothing is acceptable.
	ChooseSASLMechanism(offered []string, encrypted bool) string
	// SASLMechanism returns the named mechanism, or nil.
	SASLMechanism(name string) Mechanism
	// SignalBound reports the bound full address; the session is live.
	SignalBound(j jid.JID)
	// SignalError reports terminal failure. The cause is non-nil when an
	// underlying error is known.
	SignalError(reason Reason, cause error)

	// UserJID is the address being authenticated; its domainpart names the
	// stream peer.
	UserJID() jid.JID
	// TLSRequired reports whether the stream must be upgraded even if the
	// server does not advertise STARTTLS.
	TLSRequired() bool
	// RequestedResource is the resourcepart to ask for at bind time, or
	// empty to let the server pick.
	RequestedResource() string
	// Encrypted reports whether the transport is already encrypted.
	Encrypted() bool
}

type loginState int

const (
	stateInit loginState = iota
	stateStreamStartSent
	stateStartedXMPP
	stateTLSInit
	stateTLSRequested
	stateAuthInit
	stateSASLRunning
	stateBindInit
	stateBindRequested
	stateSessionRequested
	stateDone
)

var loginStateNames = [...]string{
	"INIT", "STREAMSTART_SENT", "STARTED_XMPP", "TLS_INIT", "TLS_REQUESTED",
	"AUTH_INIT", "SASL_RUNNING", "BIND_INIT", "BIND_REQUESTED",
	"SESSION_REQUESTED", "DONE",
}

func (s loginState) String() string {
	if int(s) < len(loginStateNames) {
		return loginStateNames[s]
	}
	return "INVALID"
}

// LoginTask drives the client half of an XMPP 1.0 stream negotiation:
// stream start, feature negotiation, the optional STARTTLS upgrade, SASL
// authentication, resource binding, and session establishment.
//
// The task is single shot. After SignalBound or SignalError it performs no
// further work. It is not safe for concurrent use; the engine serializes
// calls on its owning goroutine.
type LoginTask struct {
	engine Engine
	log    *zap.Logger

	state      loginState
	authNeeded bool
	tlsForced  bool

	cur     *xmltree.Element
	isStart bool

	streamID string
	iqID     string
	features *xmltree.Element
	fullJID  jid.JID
	mech     Mechanism

	queued []*xmltree.Element
}

// NewLoginTask returns a task ready to negotiate on behalf of engine.
func NewLoginTask(engine Engine, logger *zap.Logger) *LoginTask {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginTask{
		engine:     engine,
		log:        logger,
		state:      stateInit,
		authNeeded: true,
		tlsForced:  engine.TLSRequired(),
	}
}

// StreamID returns the id attribute captured from the server's most recent
// stream open.
func (t *LoginTask) StreamID() string { return t.streamID }

// Done reports whether the task has finished, successfully or not.
func (t *LoginTask) Done() bool { return t.state == stateDone }

// IncomingStanza feeds the next parsed element into the state machine.
// isStart marks the stream-opening pseudo-element.
func (t *LoginTask) IncomingStanza(element *xmltree.Element, isStart bool) {
	t.cur = element
	t.isStart = isStart
	t.Advance()
	t.cur = nil
	t.isStart = false
}

// nextStanza takes the pending element; each element is consumed at most
// once.
func (t *LoginTask) nextStanza() *xmltree.Element {
	el := t.cur
	t.cur = nil
	return el
}

// OutgoingStanza hands the task an application stanza produced before the
// session is live. The element is cloned and held until the bind handshake
// completes, then sent in arrival order.
func (t *LoginTask) OutgoingStanza(element *xmltree.Element) {
	if t.state == stateDone {
		t.engine.SendStanza(element)
		return
	}
	t.queued = append(t.queued, element.Clone())
}

// Advance runs the state machine until it needs input that has not arrived
// yet. It reports false when login fails and on every call made after the
// task is done; the call that completes login successfully reports true.
func (t *LoginTask) Advance() bool {
	for {
		t.log.Debug("login advance", zap.Stringer("state", t.state))

		switch t.state {

		case stateInit:
			t.engine.RaiseReset()
			t.features = nil
			// The stream is opened against the domain that owns the
			// address; TLS verification happens against the same name.
			t.engine.SendStreamStart(t.engine.UserJID().Domainpart())
			t.state = stateStreamStartSent

		case stateStreamStartSent:
			element := t.nextStanza()
			if element == nil {
				return true
			}
			if !t.isStart || !t.handleStartStream(element) {
				return t.failure(ReasonVersion)
			}
			t.state = stateStartedXMPP
			return true

		case stateStartedXMPP:
			element := t.nextStanza()
			if element == nil {
				return true
			}
			if !t.handleFeatures(element) {
				return t.failure(ReasonVersion)
			}
			// Use TLS if forced, or opportunistically if offered.
			if t.tlsForced || t.feature(NSStartTLS, "starttls") != nil {
				t.state = stateTLSInit
				continue
			}
			if t.authNeeded {
				t.state = stateAuthInit
				continue
			}
			t.state = stateBindInit

		case stateTLSInit:
			if t.feature(NSStartTLS, "starttls") == nil {
				return t.failure(ReasonTLS)
			}
			t.engine.SendStanza(xmltree.NewNS(NSStartTLS, "starttls"))
			t.state = stateTLSRequested

		case stateTLSRequested:
			element := t.nextStanza()
			if element == nil {
				return true
			}
			if element.Name.Space != NSStartTLS || element.Name.Local != "proceed" {
				return t.failure(ReasonTLS)
			}
			if err := t.engine.StartTLS(t.engine.UserJID().Domainpart()); err != nil {
				return t.failureCause(ReasonTLS, err)
			}
			t.tlsForced = false
			t.state = stateInit

		case stateAuthInit:
			mechs := t.feature(NSSASL, "mechanisms")
			if mechs == nil {
				return t.failure(ReasonAuth)
			}
			var offered []string
			for _, m := range mechs.ChildrenNS(NSSASL, "mechanism") {
				offered = append(offered, m.Text)
			}
			choice := t.engine.ChooseSASLMechanism(offered, t.engine.Encrypted())
			if choice == "" {
				return t.failure(ReasonAuth)
			}
			t.mech = t.engine.SASLMechanism(choice)
			if t.mech == nil {
				return t.failure(ReasonAuth)
			}
			auth, err := t.mech.StartAuth()
			if err != nil || auth == nil {
				return t.failureCause(ReasonAuth, err)
			}
			t.engine.SendStanza(auth)
			t.state = stateSASLRunning

		case stateSASLRunning:
			element := t.nextStanza()
			if element == nil {
				return true
			}
			if element.Name.Space != NSSASL {
				return t.failure(ReasonAuth)
			}
			if element.Name.Local == "challenge" {
				response, err := t.mech.HandleChallenge(element)
				if err != nil || response == nil {
					return t.failureCause(ReasonAuth, err)
				}
				t.engine.SendStanza(response)
				continue
			}
			if element.Name.Local != "success" {
				return t.failure(ReasonUnauthorized)
			}
			// Authenticated; restart the stream.
			t.authNeeded = false
			t.state = stateInit

		case stateBindInit:
			if t.feature(NSBind, "bind") == nil || t.feature(NSSession, "session") == nil {
				return t.failure(ReasonBind)
			}
			iq := xmltree.NewNS(NSClient, "iq")
			iq.SetAttr("type", "set")
			t.iqID = t.engine.NextID()
			iq.SetAttr("id", t.iqID)
			bind := xmltree.NewNS(NSBind, "bind")
			if resource := t.engine.RequestedResource(); resource != "" {
				res := xmltree.NewNS(NSBind, "resource")
				res.Text = resource
				bind.AddChild(res)
			}
			iq.AddChild(bind)
			t.engine.SendStanza(iq)
			t.state = stateBindRequested

		case stateBindRequested:
			element := t.nextStanza()
			if element == nil {
				return true
			}
			// Tolerate crossed requests: an iq of type get or set with our
			// id is someone else's traffic.
			if element.Name.Local != "iq" || element.Attr("id") != t.iqID ||
				element.Attr("type") == "get" || element.Attr("type") == "set" {
				return true
			}
			bound := element.FirstChild()
			if element.Attr("type") != "result" || bound == nil ||
				bound.Name.Space != NSBind || bound.Name.Local != "bind" {
				return t.failure(ReasonBind)
			}
			full, err := jid.Parse(bound.ChildText(NSBind, "jid"))
			if err != nil || !full.IsFull() {
				return t.failureCause(ReasonBind, err)
			}
			t.fullJID = full

			// Now request the session.
			iq := xmltree.NewNS(NSClient, "iq")
			iq.SetAttr("type", "set")
			t.iqID = t.engine.NextID()
			iq.SetAttr("id", t.iqID)
			iq.AddChild(xmltree.NewNS(NSSession, "session"))
			t.engine.SendStanza(iq)
			t.state = stateSessionRequested

		case stateSessionRequested:
			element := t.nextStanza()
			if element == nil {
				return true
			}
			if element.Name.Local != "iq" || element.Attr("id") != t.iqID ||
				element.Attr("type") == "get" || element.Attr("type") == "set" {
				return true
			}
			if element.Attr("type") != "result" {
				return t.failure(ReasonBind)
			}
			t.engine.SignalBound(t.fullJID)
			t.flushQueued()
			t.state = stateDone
			return true

		case stateDone:
			return false
		}
	}
}

func (t *LoginTask) handleStartStream(element *xmltree.Element) bool {
	switch {
	case element.Name.Space != NSStream || element.Name.Local != "stream":
		t.log.Error("stream open has wrong name", zap.String("local", element.Name.Local))
		return false
	case element.Attr("xmlns") != NSClient:
		t.log.Error("stream open has wrong namespace")
		return false
	case element.Attr("version") != "1.0":
		t.log.Error("stream open has wrong version", zap.String("version", element.Attr("version")))
		return false
	case !element.HasAttr("id") || element.Attr("id") == "":
		t.log.Error("stream open has no id")
		return false
	}
	t.streamID = element.Attr("id")
	return true
}

func (t *LoginTask) handleFeatures(element *xmltree.Element) bool {
	if element.Name.Space != NSStream || element.Name.Local != "features" {
		return false
	}
	t.features = element.Clone()
	return true
}

// feature returns the cached feature child with the given name, or nil.
func (t *LoginTask) feature(space, local string) *xmltree.Element {
	if t.features == nil {
		return nil
	}
	return t.features.ChildNS(space, local)
}

func (t *LoginTask) failure(reason Reason) bool {
	return t.failureCause(reason, nil)
}

func (t *LoginTask) failureCause(reason Reason, cause error) bool {
	t.log.Debug("login failed", zap.Stringer("reason", reason), zap.Error(cause))
	t.state = stateDone
	t.engine.SignalError(reason, cause)
	return false
}

// flushQueued sends the stanzas buffered by OutgoingStanza, oldest first.
// It runs exactly once, on the transition into the done state.
func (t *LoginTask) flushQueued() {
	for _, el := range t.queued {
		t.engine.SendStanza(el)
	}
	t.queued = nil
}
