// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmltree_test

import (
	"encoding/xml"
	"fmt"
	"strings"
	"testing"

	"mellium.im/jingle/xmltree"
)

var _ fmt.Stringer = (*xmltree.Element)(nil)

func parse(t *testing.T, s string) *xmltree.Element {
	t.Helper()
	el, err := xmltree.ReadElement(xml.NewDecoder(strings.NewReader(s)))
	if err != nil {
		t.Fatalf("Error parsing %q: %v", s, err)
	}
	return el
}

func TestReadElement(t *testing.T) {
	el := parse(t, `<features xmlns="http://etherx.jabber.org/streams">
		<mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl">
			<mechanism>SCRAM-SHA-1</mechanism>
			<mechanism>PLAIN</mechanism>
		</mechanisms>
		<bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/>
	</features>`)

	if el.Name.Local != "features" || el.Name.Space != "http://etherx.jabber.org/streams" {
		t.Errorf("Got name %v but expected stream features", el.Name)
	}
	mechs := el.ChildNS("urn:ietf:params:xml:ns:xmpp-sasl", "mechanisms")
	if mechs == nil {
		t.Fatal("Expected a mechanisms child")
	}
	names := mechs.ChildrenNS("urn:ietf:params:xml:ns:xmpp-sasl", "mechanism")
	if len(names) != 2 {
		t.Fatalf("Got %d mechanisms but expected 2", len(names))
	}
	if names[0].Text != "SCRAM-SHA-1" || names[1].Text != "PLAIN" {
		t.Errorf("Mechanisms out of document order: %s, %s", names[0].Text, names[1].Text)
	}
	if el.ChildNS("urn:ietf:params:xml:ns:xmpp-bind", "bind") == nil {
		t.Error("Expected a bind child")
	}
	if el.ChildNS("urn:ietf:params:xml:ns:xmpp-bind", "session") != nil {
		t.Error("Did not expect a session child")
	}
}

func TestAttr(t *testing.T) {
	el := parse(t, `<iq type="result" id="42"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>foo@example.com/work</jid></bind></iq>`)
	if typ := el.Attr("type"); typ != "result" {
		t.Errorf(`Got type %q but expected "result"`, typ)
	}
	if id := el.Attr("id"); id != "42" {
		t.Errorf(`Got id %q but expected "42"`, id)
	}
	if el.Attr("to") != "" || el.HasAttr("to") {
		t.Error("Did not expect a to attribute")
	}
	bind := el.FirstChild()
	if bind == nil || bind.Name.Local != "bind" {
		t.Fatal("Expected bind as the first child")
	}
	if txt := bind.ChildText("urn:ietf:params:xml:ns:xmpp-bind", "jid"); txt != "foo@example.com/work" {
		t.Errorf("Got jid text %q but expected foo@example.com/work", txt)
	}
}

func TestSetAttr(t *testing.T) {
	el := xmltree.NewNS("jabber:client", "iq")
	el.SetAttr("type", "set").SetAttr("id", "1")
	el.SetAttr("type", "get")
	if el.Attr("type") != "get" {
		t.Errorf(`Got type %q but expected "get"`, el.Attr("type"))
	}
	if len(el.Attrs) != 2 {
		t.Errorf("Got %d attributes but expected 2", len(el.Attrs))
	}
}

func TestClone(t *testing.T) {
	el := parse(t, `<message to="romeo@example.net"><body>hi</body></message>`)
	dup := el.Clone()
	dup.SetAttr("to", "mercutio@example.net")
	dup.FirstChild().Text = "bye"
	if el.Attr("to") != "romeo@example.net" {
		t.Error("Mutating a clone changed the original's attributes")
	}
	if el.FirstChild().Text != "hi" {
		t.Error("Mutating a clone changed the original's children")
	}
}

func TestRoundTrip(t *testing.T) {
	el := xmltree.NewNS("jabber:client", "iq")
	el.SetAttr("type", "set").SetAttr("id", "7")
	el.AddChild(xmltree.NewNS("urn:ietf:params:xml:ns:xmpp-session", "session"))

	reparsed, err := xmltree.ReadElement(xml.NewDecoder(strings.NewReader(el.String())))
	if err != nil {
		t.Fatalf("Error reparsing serialized element: %v", err)
	}
	if reparsed.Attr("id") != "7" || reparsed.Attr("type") != "set" {
		t.Errorf("Attributes lost in round trip: %s", reparsed)
	}
	if reparsed.ChildNS("urn:ietf:params:xml:ns:xmpp-session", "session") == nil {
		t.Errorf("Child lost in round trip: %s", reparsed)
	}
}
