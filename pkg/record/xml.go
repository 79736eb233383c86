package record

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/openimsdk/tools/errs"
)

// xmlNode is a minimal namespace-agnostic element tree. Drivers match on
// local names only; the source systems are inconsistent about prefixes.
type xmlNode struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*xmlNode
}

func parseXML(data []byte) (*xmlNode, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	root := &xmlNode{}
	stack := []*xmlNode{root}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.WrapMsg(ErrParse, err.Error())
		}
		switch t := tok.(type) {
		case xml.StartElement:
			node := &xmlNode{Name: t.Name.Local}
			if len(t.Attr) > 0 {
				node.Attrs = make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
						continue
					}
					node.Attrs[a.Name.Local] = a.Value
				}
			}
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, node)
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			cur := stack[len(stack)-1]
			cur.Text += string(t)
		}
	}
	if len(root.Children) == 0 {
		return nil, errs.WrapMsg(ErrParse, "no root element")
	}
	return root.Children[0], nil
}

// all collects every descendant with the given local name, document order.
func (n *xmlNode) all(name string) []*xmlNode {
	var out []*xmlNode
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
		out = append(out, c.all(name)...)
	}
	return out
}

func (n *xmlNode) first(name string) *xmlNode {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
		if found := c.first(name); found != nil {
			return found
		}
	}
	return nil
}

// texts returns trimmed non-empty text of every matching descendant.
func (n *xmlNode) texts(name string) []string {
	var out []string
	for _, node := range n.all(name) {
		if t := strings.TrimSpace(node.Text); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (n *xmlNode) text(name string) string {
	if node := n.first(name); node != nil {
		return strings.TrimSpace(node.Text)
	}
	return ""
}

// serialize renders the tree deterministically: attributes sorted, text
// trimmed. Normalized and original payloads compare equal exactly when their
// trees do.
func (n *xmlNode) serialize() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n *xmlNode) write(b *strings.Builder) {
	b.WriteByte('<')
	b.WriteString(n.Name)
	if len(n.Attrs) > 0 {
		keys := make([]string, 0, len(n.Attrs))
		for k := range n.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte(' ')
			b.WriteString(k)
			b.WriteString(`="`)
			xml.EscapeText(b, []byte(n.Attrs[k]))
			b.WriteString(`"`)
		}
	}
	text := strings.TrimSpace(n.Text)
	if text == "" && len(n.Children) == 0 {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	xml.EscapeText(b, []byte(text))
	for _, c := range n.Children {
		c.write(b)
	}
	b.WriteString("</")
	b.WriteString(n.Name)
	b.WriteByte('>')
}

// normalizeTree trims text recursively and drops empty leaf elements.
func (n *xmlNode) normalizeTree() {
	n.Text = strings.Join(strings.Fields(n.Text), " ")
	kept := n.Children[:0]
	for _, c := range n.Children {
		c.normalizeTree()
		if c.Text == "" && len(c.Children) == 0 && len(c.Attrs) == 0 {
			continue
		}
		kept = append(kept, c)
	}
	n.Children = kept
}
