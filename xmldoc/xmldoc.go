// Package xmldoc models the legacy XML documents served by the classic API
// generation as an ordered element tree. Documents parse and re-serialize
// losslessly (modulo insignificant whitespace) so a partial update can be
// merged into a freshly fetched document without dropping fields the data
// model does not know about.
package xmldoc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Element is one node of a legacy document: a named tag holding either scalar
// text or ordered child elements. Repeated lists are repeated sibling
// elements under a container tag, exactly as the wire format has them.
type Element struct {
	// Name is the snake_case tag name.
	Name string
	// Text is the unescaped scalar content. Meaningful only for leaves.
	Text string
	// Children are nested elements in document order.
	Children []*Element
}

// Parse reads one XML document from r into an element tree. Whitespace-only
// text between elements is discarded; mixed content (text alongside child
// elements) and element attributes are rejected since the legacy API never
// produces either, and dropping attributes silently would make the
// round-trip lossy.
func Parse(r io.Reader) (*Element, error) {
	dec := xml.NewDecoder(r)
	var root *Element
	var stack []*Element
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xmldoc: parse: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if len(t.Attr) > 0 {
				return nil, fmt.Errorf("xmldoc: attributes on <%s> are not supported", t.Name.Local)
			}
			elem := &Element{Name: t.Name.Local}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, elem)
			} else if root == nil {
				root = elem
			} else {
				return nil, fmt.Errorf("xmldoc: multiple root elements")
			}
			stack = append(stack, elem)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("xmldoc: unbalanced end tag %q", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			text := string(t)
			if strings.TrimSpace(text) == "" {
				continue
			}
			current := stack[len(stack)-1]
			if len(current.Children) > 0 {
				return nil, fmt.Errorf("xmldoc: mixed content under <%s>", current.Name)
			}
			current.Text += text
		}
	}
	if root == nil {
		return nil, fmt.Errorf("xmldoc: empty document")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("xmldoc: unterminated element <%s>", stack[len(stack)-1].Name)
	}
	return root, nil
}

// ParseBytes parses an in-memory document.
func ParseBytes(b []byte) (*Element, error) {
	return Parse(bytes.NewReader(b))
}

// Bytes serializes the element tree back to the compact wire format the
// legacy write endpoint expects. Scalar text is escaped exactly once; content
// that arrived escaped was unescaped during Parse, so round-tripping an
// unmodified document never double-escapes.
func (e *Element) Bytes() []byte {
	var buf bytes.Buffer
	e.appendTo(&buf)
	return buf.Bytes()
}

// String returns the serialized document as a string.
func (e *Element) String() string {
	return string(e.Bytes())
}

func (e *Element) appendTo(buf *bytes.Buffer) {
	buf.WriteByte('<')
	buf.WriteString(e.Name)
	buf.WriteByte('>')
	if len(e.Children) > 0 {
		for _, child := range e.Children {
			child.appendTo(buf)
		}
	} else {
		appendEscaped(buf, e.Text)
	}
	buf.WriteString("</")
	buf.WriteString(e.Name)
	buf.WriteByte('>')
}

// appendEscaped writes s with the five reserved markup characters escaped.
func appendEscaped(buf *bytes.Buffer, s string) {
	for _, r := range s {
		switch r {
		case '&':
			buf.WriteString("&amp;")
		case '<':
			buf.WriteString("&lt;")
		case '>':
			buf.WriteString("&gt;")
		case '\'':
			buf.WriteString("&apos;")
		case '"':
			buf.WriteString("&quot;")
		default:
			buf.WriteRune(r)
		}
	}
}

// Clone returns a deep copy of the element tree.
func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	out := &Element{Name: e.Name, Text: e.Text}
	if len(e.Children) > 0 {
		out.Children = make([]*Element, len(e.Children))
		for i, child := range e.Children {
			out.Children[i] = child.Clone()
		}
	}
	return out
}

// Equal reports whether two trees have identical names, text, and child
// order.
func (e *Element) Equal(other *Element) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Name != other.Name || e.Text != other.Text || len(e.Children) != len(other.Children) {
		return false
	}
	for i := range e.Children {
		if !e.Children[i].Equal(other.Children[i]) {
			return false
		}
	}
	return true
}

// Child returns the first direct child with the given name, or nil.
func (e *Element) Child(name string) *Element {
	if e == nil {
		return nil
	}
	for _, child := range e.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// Find walks the path of tag names from e and returns the matching
// descendant, or nil when any segment is missing.
func (e *Element) Find(path ...string) *Element {
	current := e
	for _, name := range path {
		current = current.Child(name)
		if current == nil {
			return nil
		}
	}
	return current
}

// ScalarAt returns the scalar text at the path and whether the node exists as
// a leaf.
func (e *Element) ScalarAt(path ...string) (string, bool) {
	node := e.Find(path...)
	if node == nil || len(node.Children) > 0 {
		return "", false
	}
	return node.Text, true
}

// ensureChild returns the first direct child with the given name, creating
// and appending an empty one when absent.
func (e *Element) ensureChild(name string) *Element {
	if child := e.Child(name); child != nil {
		return child
	}
	child := &Element{Name: name}
	e.Children = append(e.Children, child)
	return child
}
