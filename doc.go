// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jingle implements the client half of XMPP 1.0 stream negotiation
// for a real-time communications stack.
//
// The core type is LoginTask, a restartable state machine that drives
// stream start, feature negotiation, the optional STARTTLS upgrade, SASL
// authentication, resource binding, and session establishment while
// buffering outgoing application stanzas until the session is live. It
// consumes parsed elements and produces protocol stanzas through an Engine,
// of which Session is the standard implementation.
//
// Socket plumbing lives in the socket and socketserver packages.
package jingle // import "mellium.im/jingle"
