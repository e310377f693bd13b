package router

import (
	"errors"
	"strconv"
	"strings"
)

// Command is a parsed slash command with positional arguments.
type Command struct {
	Name    string
	Args    []string
	RawText string
}

// ErrNotACommand is returned by ParseCommand when the message does not
// start with a slash. Callers should use errors.Is to distinguish this
// expected case from real errors.
var ErrNotACommand = errors.New("not a command (missing prefix)")

// ParseCommand parses a message of the form "/name arg1 arg2 …".
func ParseCommand(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, ErrNotACommand
	}

	parts := strings.Fields(strings.TrimPrefix(text, "/"))
	if len(parts) == 0 {
		return nil, errors.New("empty command")
	}

	return &Command{
		Name:    strings.ToLower(parts[0]),
		Args:    parts[1:],
		RawText: text,
	}, nil
}

// Arg returns the argument at index, or false when out of range.
func (c *Command) Arg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}

// AmountArg parses the argument at index as a decimal amount, accepting
// both "1000.50" and the Italian "1000,50".
func (c *Command) AmountArg(index int) (float64, bool) {
	raw, ok := c.Arg(index)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
