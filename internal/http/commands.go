package http

import (
	"strings"
)

type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandTotal
	CommandLastTotal
	CommandAll
	CommandStatus
	CommandUser
)

// Command is a parsed text message. Arg carries the phone number of a
// "user" command.
type Command struct {
	Kind CommandKind
	Arg  string
}

// Admin reports whether only the admin may run the command.
func (c Command) Admin() bool {
	return c.Kind == CommandStatus || c.Kind == CommandUser
}

// ParseCommand recognizes commands case-insensitively with collapsed
// whitespace.
func ParseCommand(body string) Command {
	fields := strings.Fields(strings.ToLower(body))
	text := strings.Join(fields, " ")
	switch text {
	case "get total":
		return Command{Kind: CommandTotal}
	case "get last total":
		return Command{Kind: CommandLastTotal}
	case "get all":
		return Command{Kind: CommandAll}
	case "status":
		return Command{Kind: CommandStatus}
	}
	if len(fields) > 1 && fields[0] == "user" {
		return Command{Kind: CommandUser, Arg: strings.Join(fields[1:], "")}
	}
	return Command{Kind: CommandUnknown}
}
