package admin

import (
	"context"
	"fmt"
	"strings"

	serviceErrors "github.com/danilovkiri/dk-go-smsbroker/internal/service/errors"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/allowlist"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/mapper"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/quota"
	"github.com/danilovkiri/dk-go-smsbroker/internal/service/tokens"
	"github.com/danilovkiri/dk-go-smsbroker/internal/storage"
	"github.com/rs/zerolog"
)

// ErrNotAdmin is returned for any principal other than the configured administrator.
var ErrNotAdmin = &serviceErrors.CapabilityDeniedError{Msg: "administrative commands are restricted"}

// Dispatcher executes admin commands against the ledger, allow-list, token store and mapper.
type Dispatcher struct {
	adminID   int64
	users     storage.Register
	ledger    *quota.Ledger
	allowlist *allowlist.Allowlist
	tokens    *tokens.Store
	mapper    *mapper.Mapper
	log       *zerolog.Logger
}

// NewDispatcher initializes a dispatcher serving only adminID. A zero adminID serves nobody.
func NewDispatcher(adminID int64, users storage.Register, ledger *quota.Ledger, al *allowlist.Allowlist, ts *tokens.Store, m *mapper.Mapper, log *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		adminID:   adminID,
		users:     users,
		ledger:    ledger,
		allowlist: al,
		tokens:    ts,
		mapper:    m,
		log:       log,
	}
}

// IsAdmin reports whether principal may run commands.
func (d *Dispatcher) IsAdmin(principal int64) bool {
	return d.adminID != 0 && principal == d.adminID
}

// Handle parses and dispatches a raw command text.
func (d *Dispatcher) Handle(ctx context.Context, principal int64, text string) (string, error) {
	if !d.IsAdmin(principal) {
		return "", ErrNotAdmin
	}
	cmd, err := Parse(text)
	if err != nil {
		return "", err
	}
	return d.Dispatch(ctx, principal, cmd)
}

// Dispatch executes a parsed command and returns a human-readable reply.
func (d *Dispatcher) Dispatch(ctx context.Context, principal int64, cmd Command) (string, error) {
	if !d.IsAdmin(principal) {
		d.log.Warn().Int64("principal", principal).Msg(fmt.Sprintf("rejected %s from non-admin", cmd.Name))
		return "", ErrNotAdmin
	}
	if want, ok := arity[cmd.Name]; !ok || len(cmd.Args) != want {
		return "", &serviceErrors.InvalidInputError{Msg: fmt.Sprintf("malformed command %s, see /help", cmd)}
	}
	if err := cmd.validate(); err != nil {
		return "", err
	}
	reply, err := d.dispatch(ctx, cmd)
	if err != nil {
		d.log.Error().Err(err).Msg(fmt.Sprintf("admin command %s failed", cmd))
		return "", err
	}
	d.log.Info().Msg(fmt.Sprintf("admin command %s done", cmd))
	return reply, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd Command) (string, error) {
	switch cmd.Name {
	case Grant:
		userID, err := d.userID(ctx, cmd.Args[0])
		if err != nil {
			return "", err
		}
		amount, _ := cmd.amount()
		entry, err := d.ledger.Grant(ctx, userID, amount)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: allowed %d, used %d", cmd.Args[0], entry.Allowed, entry.Used), nil
	case Allow:
		userID, err := d.userID(ctx, cmd.Args[0])
		if err != nil {
			return "", err
		}
		if err := d.allowlist.Allow(ctx, userID, cmd.Args[1], cmd.Args[2]); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s may now order %s in %s", cmd.Args[0], cmd.Args[1], cmd.Args[2]), nil
	case Deny:
		userID, err := d.userID(ctx, cmd.Args[0])
		if err != nil {
			return "", err
		}
		if err := d.allowlist.Deny(ctx, userID, cmd.Args[1], cmd.Args[2]); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s may no longer order %s in %s", cmd.Args[0], cmd.Args[1], cmd.Args[2]), nil
	case Mint:
		token, err := d.tokens.Mint(ctx, cmd.Args[0], cmd.Args[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("token for %s in %s: %s", cmd.Args[0], cmd.Args[1], token), nil
	case Balance:
		return d.balance(ctx, cmd.Args[0])
	case Map:
		kind, _ := mapper.ParseKind(cmd.Args[0])
		if err := d.mapper.Upsert(ctx, cmd.Args[1], cmd.Args[2], kind); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s now maps to %s", kind, cmd.Args[1], cmd.Args[2]), nil
	default:
		return Usage, nil
	}
}

func (d *Dispatcher) balance(ctx context.Context, login string) (string, error) {
	userID, err := d.userID(ctx, login)
	if err != nil {
		return "", err
	}
	entry, err := d.ledger.Balance(ctx, userID)
	if err != nil {
		return "", err
	}
	pairs, err := d.allowlist.List(ctx, userID)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s: allowed %d, used %d", login, entry.Allowed, entry.Used))
	if len(pairs) == 0 {
		sb.WriteString("\nno enabled pairs")
	}
	for _, p := range pairs {
		sb.WriteString(fmt.Sprintf("\n%s in %s", p.ServiceID, p.CountryID))
	}
	return sb.String(), nil
}

func (d *Dispatcher) userID(ctx context.Context, login string) (string, error) {
	user, err := d.users.GetUserByLogin(ctx, login)
	if err != nil {
		return "", serviceErrors.FromStorage(err, fmt.Sprintf("user %s", login))
	}
	return user.UserID, nil
}
