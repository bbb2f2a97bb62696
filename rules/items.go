package rules

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ftl/phonesim/clock"
)

// Chat matches an incoming command and produces a response, optionally
// setting variables, switching state, and managing call identifiers.
type Chat struct {
	Pattern       string
	Response      string
	ResponseDelay int
	Wildcard      bool
	Eol           bool
	SwitchTo      string
	Variables     []string
	Values        []string
	NewCallVar    string
	ForgetCallID  string
	ListSMS       bool
	DeleteSMS     bool
}

func newChat(n *Node) *Chat {
	chat := &Chat{Eol: true}
	for _, child := range n.Children {
		switch child.Tag {
		case "command":
			chat.Pattern = child.Text
			chat.Wildcard = wildcardIndex(chat.Pattern) > 2
			if child.Attr("wildcard") == "true" {
				chat.Wildcard = true
			}
		case "response":
			chat.Response = child.Text
			chat.ResponseDelay = 0
			if delay := child.Attr("delay"); delay != "" {
				chat.ResponseDelay, _ = strconv.Atoi(delay)
			}
			chat.Eol = child.Attr("eol") != "false"
		case "switch":
			chat.SwitchTo = child.Attr("name")
		case "set":
			chat.Variables = append(chat.Variables, child.Attr("name"))
			chat.Values = append(chat.Values, child.Attr("value"))
		case "newcall":
			chat.NewCallVar = child.Attr("name")
		case "forgetcall":
			chat.ForgetCallID = child.Attr("id")
		case "listSMS":
			chat.ListSMS = true
		case "deleteSMS":
			chat.DeleteSMS = true
		}
	}
	return chat
}

// wildcardIndex finds the first '*' at an index greater than 2, so that
// command prefixes like AT* or *E are not mistaken for wildcards.
func wildcardIndex(pattern string) int {
	for i := 3; i < len(pattern); i++ {
		if pattern[i] == '*' {
			return i
		}
	}
	return -1
}

func (c *Chat) Enter(Actions) {}
func (c *Chat) Leave()        {}

func (c *Chat) Command(cmd string, a Actions) bool {
	// The pattern may contain variable references.
	pattern := a.Expand(c.Pattern)

	var wild string
	if c.Wildcard {
		if !matchWildcard(pattern, cmd) {
			return false
		}
		w := wildcardIndex(pattern)
		if w >= 0 && w <= len(cmd) {
			end := w + len(cmd) - len(pattern) + 1
			if end > len(cmd) {
				end = len(cmd)
			}
			if end > w {
				wild = cmd[w:end]
			}
		}
	} else if cmd != pattern {
		return false
	}

	a.Respond(c.Response, c.ResponseDelay, c.Eol)

	for i, variable := range c.Variables {
		value := c.Values[i]
		if value == "*" {
			a.SetVariable(variable, wild)
			continue
		}
		index := strings.Index(value, "${*}")
		if index == -1 {
			a.SetVariable(variable, value)
			continue
		}
		// Strip the terminating Ctrl-Z from SMS PDUs.
		if strings.HasSuffix(wild, "\x1a") {
			wild = wild[:len(wild)-1]
		}
		a.SetVariable(variable, value[:index]+wild+value[index+4:])
	}

	if c.SwitchTo != "" {
		a.SwitchTo(c.SwitchTo)
	}

	if c.NewCallVar != "" {
		a.SetVariable(c.NewCallVar, strconv.Itoa(a.AllocateCallID()))
	}
	if c.ForgetCallID != "" {
		if c.ForgetCallID == "*" {
			if wild == "" {
				a.ReleaseAllCallIDs()
			} else {
				id, _ := strconv.Atoi(wild)
				a.ReleaseCallID(id)
			}
		} else {
			id, _ := strconv.Atoi(a.Expand(c.ForgetCallID))
			a.ReleaseCallID(id)
		}
	}

	if c.ListSMS {
		a.ListMessages(c.ResponseDelay, c.Eol)
	}
	if c.DeleteSMS {
		index, _ := strconv.Atoi(wild)
		a.DeleteMessage(index, c.ResponseDelay, c.Eol)
	}
	return true
}

// matchWildcard reports whether cmd starts with a match of pattern,
// where '*' matches any run of characters and '?' a single character.
func matchWildcard(pattern string, cmd string) bool {
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `\*`, `.*`)
	expr = strings.ReplaceAll(expr, `\?`, `.`)
	matcher, err := regexp.Compile("^" + expr)
	if err != nil {
		return false
	}
	return matcher.MatchString(cmd)
}

// Unsolicited emits a notification a fixed delay after its state is
// entered, optionally switching state afterwards.
type Unsolicited struct {
	Response      string
	ResponseDelay int
	SwitchTo      string
	Once          bool

	done  bool
	timer clock.Timer
}

func newUnsolicited(n *Node) *Unsolicited {
	item := &Unsolicited{
		Response: n.Text,
		SwitchTo: n.Attr("switch"),
		Once:     n.Attr("once") == "true",
	}
	if delay := n.Attr("delay"); delay != "" {
		item.ResponseDelay, _ = strconv.Atoi(delay)
	}
	return item
}

func (u *Unsolicited) Enter(a Actions) {
	if u.Once && u.done {
		return
	}
	u.timer = a.Schedule(time.Duration(u.ResponseDelay)*time.Millisecond, func() {
		a.Unsolicited(u.Response)
		if u.SwitchTo != "" {
			a.SwitchTo(u.SwitchTo)
		}
		u.done = true
	})
}

func (u *Unsolicited) Leave() {
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
}

func (u *Unsolicited) Command(string, Actions) bool {
	return false
}
