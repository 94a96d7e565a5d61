package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// Command is the subcommand to execute.
type Command int

const (
	None Command = iota
	Backup
	Daemon
	Prune
	Test
	Link
	Init
	Version
)

var commandToString = map[Command]string{
	None:    "none",
	Backup:  "backup",
	Daemon:  "daemon",
	Prune:   "prune",
	Test:    "test",
	Link:    "link",
	Init:    "init",
	Version: "version",
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
	return None, fmt.Errorf("invalid command: %q. Must be 'backup', 'daemon', 'prune', 'test', 'link', 'init' or 'version'", s)
}
