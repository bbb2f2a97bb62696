// Package rules implements the declarative rule engine that drives most
// of the simulator's AT command handling: states loaded from an XML
// description, chat items matching commands with wildcards, and
// unsolicited items firing on a timer after a state is entered.
package rules

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ftl/phonesim/clock"
)

// Actions is the surface a rule item needs from its host connection.
// All methods are called on the connection's event loop.
type Actions interface {
	// Expand substitutes ${name} variable references in s.
	Expand(s string) string
	// Respond sends a response after the given delay in milliseconds.
	Respond(text string, delay int, eol bool)
	// Unsolicited sends an unsolicited notification immediately.
	Unsolicited(text string)
	// SetVariable assigns a variable, expanding the value.
	SetVariable(name string, value string)
	// SwitchTo changes the active state.
	SwitchTo(name string)
	// AllocateCallID reserves a rule-managed call identifier,
	// -1 when all identifiers are in use.
	AllocateCallID() int
	// ReleaseCallID returns a rule-managed call identifier.
	ReleaseCallID(id int)
	// ReleaseAllCallIDs returns all rule-managed call identifiers.
	ReleaseAllCallIDs()
	// ListMessages responds with the stored message list.
	ListMessages(delay int, eol bool)
	// DeleteMessage removes a stored message by 1-based index and
	// responds with the outcome.
	DeleteMessage(index int, delay int, eol bool)
	// Schedule runs fn after the given delay on the event loop.
	Schedule(delay time.Duration, fn func()) clock.Timer
}

// Item is a single rule within a state.
type Item interface {
	// Enter is called when the enclosing state becomes active.
	Enter(a Actions)
	// Leave is called when the enclosing state is left.
	Leave()
	// Command offers an incoming command to the item. It reports
	// whether the item handled the command.
	Command(cmd string, a Actions) bool
}

// State is a named set of rule items.
type State struct {
	Name  string
	Items []Item
}

func newState(n *Node) *State {
	state := &State{}
	if n.Tag == "state" {
		state.Name = n.Attr("name")
	}
	for _, child := range n.Children {
		switch child.Tag {
		case "chat":
			state.Items = append(state.Items, newChat(child))
		case "unsolicited":
			state.Items = append(state.Items, newUnsolicited(child))
		}
	}
	return state
}

// Enter activates all items of the state.
func (s *State) Enter(a Actions) {
	for _, item := range s.Items {
		item.Enter(a)
	}
}

// Leave deactivates all items of the state.
func (s *State) Leave() {
	for _, item := range s.Items {
		item.Leave()
	}
}

// Command offers cmd to the state's items in order. It reports whether
// any item handled the command. The caller is responsible for falling
// back to the default state.
func (s *State) Command(cmd string, a Actions) bool {
	for _, item := range s.Items {
		if item.Command(cmd, a) {
			return true
		}
	}
	return false
}

// Definition is a fully loaded rule file.
type Definition struct {
	// DefaultState holds the items defined directly under the document
	// element. Commands unmatched in the current state fall back to it.
	DefaultState *State
	// States are the named states, including the default state.
	States []*State
	// StartState names the state to enter on connect, "" for default.
	StartState string
	// Variables are the initial variable assignments.
	Variables map[string]string
	// Filesystem is the raw <filesystem> element, nil if absent.
	Filesystem *Node
	// Phonebooks are the raw <phonebook> elements.
	Phonebooks []*Node
}

// Load reads a rule definition from r.
func Load(r io.Reader) (*Definition, error) {
	root, err := ParseXML(r)
	if err != nil {
		return nil, err
	}
	doc := documentElement(root)

	result := &Definition{
		DefaultState: newState(doc),
		Variables:    map[string]string{},
	}
	result.States = append(result.States, result.DefaultState)

	for _, n := range doc.Children {
		switch n.Tag {
		case "state":
			result.States = append(result.States, newState(n))
		case "start":
			result.StartState = n.Attr("name")
		case "set":
			name := n.Attr("name")
			value := n.Attr("value")
			if name != "" && value != "" {
				result.Variables[name] = value
			}
		case "filesystem":
			result.Filesystem = n
		case "phonebook":
			result.Phonebooks = append(result.Phonebooks, n)
		}
	}
	return result, nil
}

// LoadFile reads a rule definition from the given file.
func LoadFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open rule file: %w", err)
	}
	defer f.Close()
	result, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return result, nil
}

// State finds a state by name. The name "default" always resolves to
// the default state. It returns nil when no such state exists.
func (d *Definition) State(name string) *State {
	if name == "default" {
		return d.DefaultState
	}
	for _, state := range d.States {
		if state.Name == name {
			return state
		}
	}
	return nil
}
