// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmltree provides a simple tree representation of XML elements.
//
// Stanzas and stream control elements are consumed and produced by protocol
// code as trees rather than as raw bytes: a qualified name, a flat attribute
// list, character data, and child elements. The tree is deliberately small;
// anything that needs full mixed-content fidelity should work with token
// streams instead.
package xmltree

import (
	"encoding/xml"
	"io"
	"strings"

	"mellium.im/xmlstream"
)

// Element is a single XML element.
type Element struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Text     string
	children []*Element
}

// New returns a new empty element with the provided qualified name.
func New(name xml.Name) *Element {
	return &Element{Name: name}
}

// NewNS returns a new empty element with the provided namespace and local
// name.
func NewNS(space, local string) *Element {
	return &Element{Name: xml.Name{Space: space, Local: local}}
}

// FromStart constructs an element from a start tag, copying its attributes.
// No children or character data are attached; it is used for stream-opening
// pseudo-elements whose end tag arrives much later.
func FromStart(start xml.StartElement) *Element {
	el := &Element{Name: start.Name}
	if len(start.Attr) > 0 {
		el.Attrs = make([]xml.Attr, len(start.Attr))
		copy(el.Attrs, start.Attr)
	}
	return el
}

// SetAttr sets the value of the attribute with the given local name, adding
// the attribute if it is not present.
func (e *Element) SetAttr(local, value string) *Element {
	for i := range e.Attrs {
		if e.Attrs[i].Name.Local == local {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: local}, Value: value})
	return e
}

// Attr returns the value of the attribute with the given local name, or the
// empty string if no such attribute exists.
func (e *Element) Attr(local string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// HasAttr reports whether an attribute with the given local name exists.
func (e *Element) HasAttr(local string) bool {
	for _, a := range e.Attrs {
		if a.Name.Local == local {
			return true
		}
	}
	return false
}

// AddChild appends child to the element's children and returns the element.
func (e *Element) AddChild(child *Element) *Element {
	e.children = append(e.children, child)
	return e
}

// Children returns the element's direct children in document order.
func (e *Element) Children() []*Element {
	return e.children
}

// FirstChild returns the element's first child, or nil if it has none.
func (e *Element) FirstChild() *Element {
	if len(e.children) == 0 {
		return nil
	}
	return e.children[0]
}

// ChildNS returns the first direct child matching the namespace and local
// name, or nil if there is none.
func (e *Element) ChildNS(space, local string) *Element {
	for _, c := range e.children {
		if c.Name.Space == space && c.Name.Local == local {
			return c
		}
	}
	return nil
}

// ChildrenNS returns all direct children matching the namespace and local
// name, in document order.
func (e *Element) ChildrenNS(space, local string) []*Element {
	var out []*Element
	for _, c := range e.children {
		if c.Name.Space == space && c.Name.Local == local {
			out = append(out, c)
		}
	}
	return out
}

// ChildText returns the character data of the first matching direct child,
// or the empty string if there is none.
func (e *Element) ChildText(space, local string) string {
	if c := e.ChildNS(space, local); c != nil {
		return c.Text
	}
	return ""
}

// Clone returns a deep copy of the element.
func (e *Element) Clone() *Element {
	out := &Element{Name: e.Name, Text: e.Text}
	if len(e.Attrs) > 0 {
		out.Attrs = make([]xml.Attr, len(e.Attrs))
		copy(out.Attrs, e.Attrs)
	}
	for _, c := range e.children {
		out.children = append(out.children, c.Clone())
	}
	return out
}

// tokens appends the token representation of the element to toks.
func (e *Element) tokens(toks []xml.Token) []xml.Token {
	start := xml.StartElement{Name: e.Name}
	if len(e.Attrs) > 0 {
		start.Attr = make([]xml.Attr, len(e.Attrs))
		copy(start.Attr, e.Attrs)
	}
	toks = append(toks, start)
	if e.Text != "" {
		toks = append(toks, xml.CharData(e.Text))
	}
	for _, c := range e.children {
		toks = c.tokens(toks)
	}
	return append(toks, start.End())
}

// TokenReader returns a stream of tokens representing the element and its
// children.
func (e *Element) TokenReader() xml.TokenReader {
	return &treeReader{toks: e.tokens(nil)}
}

type treeReader struct {
	toks []xml.Token
	pos  int
}

func (r *treeReader) Token() (xml.Token, error) {
	if r.pos >= len(r.toks) {
		return nil, io.EOF
	}
	t := r.toks[r.pos]
	r.pos++
	return t, nil
}

// WriteXML writes the element to w.
func (e *Element) WriteXML(w xmlstream.TokenWriter) error {
	_, err := xmlstream.Copy(w, e.TokenReader())
	return err
}

// String satisfies fmt.Stringer. The result is intended for logs and tests;
// namespace prefixes are normalized by encoding/xml and may not match the
// serialization that was read.
func (e *Element) String() string {
	var b strings.Builder
	enc := xml.NewEncoder(&b)
	if err := e.WriteXML(enc); err != nil {
		return "<!" + err.Error() + "!>"
	}
	if err := enc.Flush(); err != nil {
		return "<!" + err.Error() + "!>"
	}
	return b.String()
}

// ReadElement decodes one complete element, including all of its children,
// from d. The decoder must be positioned such that the next token is the
// element's start tag, or charData/whitespace immediately preceding it.
func ReadElement(d *xml.Decoder) (*Element, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return readFrom(d, t)
		case xml.EndElement:
			return nil, io.ErrUnexpectedEOF
		default:
			// Skip character data, comments, and directives between elements.
		}
	}
}

// ReadFrom decodes the remainder of the element whose start tag has already
// been consumed from d.
func ReadFrom(d *xml.Decoder, start xml.StartElement) (*Element, error) {
	return readFrom(d, start)
}

func readFrom(d *xml.Decoder, start xml.StartElement) (*Element, error) {
	el := FromStart(start)
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := readFrom(d, t)
			if err != nil {
				return nil, err
			}
			el.children = append(el.children, child)
		case xml.CharData:
			el.Text += string(t)
		case xml.EndElement:
			return el, nil
		}
	}
}
