package sim

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ftl/phonesim/gsm"
	"github.com/ftl/phonesim/rules"
)

// PhoneBook is one simulated phone book with a fixed number of slots.
type PhoneBook struct {
	numbers []string
	names   []string
}

// NewPhoneBook creates an empty phone book with the given size.
func NewPhoneBook(size int) *PhoneBook {
	return &PhoneBook{
		numbers: make([]string, size),
		names:   make([]string, size),
	}
}

// Size returns the number of slots.
func (p *PhoneBook) Size() int {
	return len(p.numbers)
}

// Used returns the number of slots that hold an entry.
func (p *PhoneBook) Used() int {
	count := 0
	for _, number := range p.numbers {
		if number != "" {
			count++
		}
	}
	return count
}

// Number returns the number at the given 1-based index.
func (p *PhoneBook) Number(index int) string {
	if index < 1 || index > len(p.numbers) {
		return ""
	}
	return p.numbers[index-1]
}

// Name returns the name at the given 1-based index.
func (p *PhoneBook) Name(index int) string {
	if index < 1 || index > len(p.names) {
		return ""
	}
	return p.names[index-1]
}

// SetDetails stores an entry at the given 1-based index. Out of range
// indexes are ignored.
func (p *PhoneBook) SetDetails(index int, number string, name string) {
	if index < 1 || index > len(p.numbers) {
		return
	}
	p.numbers[index-1] = number
	p.names[index-1] = name
}

// The SIM phone book always exists with a fixed size.
const simPhoneBookSize = 150

func (c *Connection) initPhoneBooks() {
	c.currentPhoneBook = "SM"
	c.phonebooks = map[string]*PhoneBook{
		"SM": NewPhoneBook(simPhoneBookSize),
	}
}

// loadPhoneBook creates or fills a phone book from a rule definition.
func (c *Connection) loadPhoneBook(node *rules.Node) {
	name := node.Attr("name")
	size, _ := strconv.Atoi(node.Attr("size"))
	pb, ok := c.phonebooks[name]
	if !ok {
		pb = NewPhoneBook(size)
		c.phonebooks[name] = pb
	}
	for _, n := range node.Children {
		if n.Tag != "entry" {
			continue
		}
		index, _ := strconv.Atoi(n.Attr("index"))
		pb.SetDetails(index, n.Attr("number"), n.Attr("name"))
	}
}

func (c *Connection) currentPB() *PhoneBook {
	return c.phonebooks[c.currentPhoneBook]
}

// phoneBook handles the AT+CPBS, AT+CPBR, and AT+CPBW commands.
func (c *Connection) phoneBook(cmd string) {
	pb := c.currentPB()
	if pb == nil {
		return
	}

	// The phone books are disabled until the SIM PIN is ready.
	if c.Variable("PINNAME") != "READY" {
		c.Respond("ERROR", 0, true)
		return
	}

	switch {
	case strings.HasPrefix(cmd, "AT+CPBS=?"):
		var response strings.Builder
		response.WriteString("+CPBS: (")
		for name := range c.phonebooks {
			if response.Len() > 8 {
				response.WriteString(",")
			}
			response.WriteString(`"` + name + `"`)
		}
		response.WriteString(")\nOK")
		c.Respond(response.String(), 0, true)

	case strings.HasPrefix(cmd, "AT+CPBS?"):
		c.Respond(fmt.Sprintf("+CPBS: %q,%d,%d\nOK", c.currentPhoneBook, pb.Used(), pb.Size()), 0, true)

	case strings.HasPrefix(cmd, `AT+CPBS="`):
		name := cmd[9:]
		if len(name) > 2 {
			name = name[:2]
		}
		if _, ok := c.phonebooks[name]; !ok {
			c.Respond("ERROR", 0, true)
			return
		}
		// If a password is supplied, check it against PIN2VALUE.
		comma := strings.IndexByte(cmd, ',')
		if comma >= 0 {
			password := strings.ReplaceAll(cmd[comma+1:], `"`, "")
			if password != c.Variable("PIN2VALUE") {
				c.Respond("ERROR", 0, true)
				return
			}
		}
		c.currentPhoneBook = name
		c.Respond("OK", 0, true)

	case strings.HasPrefix(cmd, "AT+CPBR=?"):
		c.Respond(fmt.Sprintf("+CPBR: (1-%d),32,16\nOK", pb.Size()), 0, true)

	case strings.HasPrefix(cmd, "AT+CPBR="):
		args := cmd[8:]
		var first, last int
		comma := strings.IndexByte(args, ',')
		if comma < 0 {
			first, _ = strconv.Atoi(args)
			last = first
		} else {
			first, _ = strconv.Atoi(args[:comma])
			last, _ = strconv.Atoi(args[comma+1:])
		}
		for ; first <= last; first++ {
			number := pb.Number(first)
			if number == "" {
				continue
			}
			c.Respond(fmt.Sprintf("+CPBR: %d,%s,%s", first, gsm.EncodeNumber(number), gsm.Quote(pb.Name(first))), 0, true)
		}
		c.Respond("OK", 0, true)

	case strings.HasPrefix(cmd, "AT+CPBW="):
		index, pos := gsm.NextInt(cmd, 8)
		if index < 1 || index > pb.Size() {
			c.Respond("ERROR", 0, true)
			return
		}
		if pos >= len(cmd) {
			// Delete the entry.
			pb.SetDetails(index, "", "")
		} else {
			number, pos := gsm.NextString(cmd, pos)
			numberType, pos := gsm.NextInt(cmd, pos)
			name, _ := gsm.NextString(cmd, pos)
			number = gsm.DecodeNumber(number, numberType)
			// 32 and 16 are the limits reported by AT+CPBR=?.
			if len(name) > 16 || len(number) > 32 {
				c.Respond("ERROR", 0, true)
				return
			}
			pb.SetDetails(index, number, name)
		}
		c.Respond("OK", 0, true)

	default:
		c.Respond("ERROR", 0, true)
	}
}
