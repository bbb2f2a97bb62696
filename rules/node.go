package rules

import (
	"encoding/xml"
	"fmt"
	"io"
)

// Node is one element of a parsed rule file, a DOM-like tree kept
// simple enough for the loader to walk.
type Node struct {
	Tag      string
	Text     string
	Attrs    map[string]string
	Children []*Node
}

// Attr returns the value of the named attribute, or "" if absent.
func (n *Node) Attr(name string) string {
	return n.Attrs[name]
}

// ParseXML reads an XML document into a Node tree. The returned node is
// a synthetic root whose children are the document's top-level elements.
func ParseXML(r io.Reader) (*Node, error) {
	root := &Node{Attrs: map[string]string{}}
	stack := []*Node{root}
	decoder := xml.NewDecoder(r)
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cannot parse rule file: %w", err)
		}
		switch t := token.(type) {
		case xml.StartElement:
			node := &Node{Tag: t.Name.Local, Attrs: map[string]string{}}
			for _, attr := range t.Attr {
				node.Attrs[attr.Name.Local] = attr.Value
			}
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, node)
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			stack[len(stack)-1].Text += string(t)
		}
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("cannot parse rule file: unbalanced elements")
	}
	return root, nil
}

// documentElement unwraps the conventional <simulator> envelope.
func documentElement(root *Node) *Node {
	if len(root.Children) > 0 && root.Children[0].Tag == "simulator" {
		return root.Children[0]
	}
	return root
}
