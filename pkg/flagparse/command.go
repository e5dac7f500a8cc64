package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// Command is the subcommand to execute.
type Command int

const (
	None Command = iota
	Init
	Create
	List
	Restore
	Delete
	Sweep
	Schedule
	Serve
	Export
	Reindex
	Version
)

var commandToString = map[Command]string{
	None:     "none",
	Init:     "init",
	Create:   "create",
	List:     "list",
	Restore:  "restore",
	Delete:   "delete",
	Sweep:    "sweep",
	Schedule: "schedule",
	Serve:    "serve",
	Export:   "export",
	Reindex:  "reindex",
	Version:  "version",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok && command != None {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Run with -help for the list of commands", s)
}
