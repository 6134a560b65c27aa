// Package admin implements the administrative command surface shared by the
// chat bot and the operator CLI.
package admin

import (
	"fmt"
	"strconv"
	"strings"

	serviceErrors "github.com/danilovkiri/dk-go-smsbroker/internal/service/errors"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/mapper"
)

// Name is an admin command name without the leading slash.
type Name string

const (
	Grant   Name = "grant"
	Allow   Name = "allow"
	Deny    Name = "deny"
	Mint    Name = "mint"
	Balance Name = "balance"
	Map     Name = "map"
	Help    Name = "help"
)

// arity is the number of positional arguments each command takes.
var arity = map[Name]int{
	Grant:   2,
	Allow:   3,
	Deny:    3,
	Mint:    2,
	Balance: 1,
	Map:     3,
	Help:    0,
}

// Arity returns the number of arguments name takes, or -1 for an unknown command.
func Arity(name Name) int {
	n, ok := arity[name]
	if !ok {
		return -1
	}
	return n
}

// Usage is the help text listing all commands.
const Usage = `/grant <login> <n> - raise the user's quota by n
/allow <login> <service> <country> - enable a pair for the user
/deny <login> <service> <country> - disable a pair for the user
/mint <service> <country> - issue a purchase token
/balance <login> - show quota and enabled pairs
/map <service|country> <frontend_id> <provider_id> - set an identifier mapping
/help - show this text`

// Command is a parsed admin command.
type Command struct {
	Name Name
	Args []string
}

// Parse parses a slash command. A bot mention suffix such as /grant@mybot is accepted.
func Parse(text string) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Command{}, &serviceErrors.InvalidInputError{Msg: "not a command, see /help"}
	}
	head := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head = head[:i]
	}
	name := Name(strings.ToLower(head))
	want, ok := arity[name]
	if !ok {
		return Command{}, &serviceErrors.InvalidInputError{Msg: fmt.Sprintf("unknown command /%s, see /help", head)}
	}
	cmd := Command{Name: name, Args: fields[1:]}
	if len(cmd.Args) != want {
		return Command{}, &serviceErrors.InvalidInputError{Msg: fmt.Sprintf("/%s takes %d arguments, see /help", name, want)}
	}
	if err := cmd.validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func (c Command) validate() error {
	switch c.Name {
	case Grant:
		if _, err := c.amount(); err != nil {
			return err
		}
	case Map:
		if _, err := mapper.ParseKind(c.Args[0]); err != nil {
			return &serviceErrors.InvalidInputError{Msg: err.Error()}
		}
	}
	return nil
}

func (c Command) amount() (int, error) {
	n, err := strconv.Atoi(c.Args[1])
	if err != nil || n <= 0 {
		return 0, &serviceErrors.InvalidInputError{Msg: fmt.Sprintf("amount must be a positive integer, got %q", c.Args[1])}
	}
	return n, nil
}

// String renders the command back to its slash form.
func (c Command) String() string {
	return strings.TrimSpace("/" + string(c.Name) + " " + strings.Join(c.Args, " "))
}
