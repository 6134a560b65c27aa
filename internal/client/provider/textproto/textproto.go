// Package textproto implements the provider client over the colon-delimited
// string protocol (ACCESS_NUMBER:<id>:<number>, STATUS_OK:<code>, ...).
package textproto

import (
	"context"
	"fmt"
	"strings"

	"github.com/danilovkiri/dk-go-smsbroker/internal/client/provider"
	providerErrors "github.com/danilovkiri/dk-go-smsbroker/internal/client/provider/errors"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelorder"
	"github.com/rs/zerolog"
)

const (
	replyNumber     = "ACCESS_NUMBER"
	replyCode       = "STATUS_OK"
	replyCancelled  = "STATUS_CANCEL"
	replyWaitPrefix = "STATUS_WAIT"
	replyCancelAck  = "ACCESS_CANCEL"

	// statusCancel is the setStatus value that cancels an activation.
	statusCancel = "8"
)

var _ provider.Provider = (*Client)(nil)

// Client defines attributes of a struct available to its methods.
type Client struct {
	transport *provider.Transport
	log       *zerolog.Logger
}

// NewClient initializes a V1 client.
func NewClient(transport *provider.Transport, log *zerolog.Logger) *Client {
	return &Client{transport: transport, log: log}
}

func (c *Client) Name() string {
	return "v1"
}

func (c *Client) RequestNumber(ctx context.Context, serviceID, countryID string) (*modelorder.Lease, error) {
	raw, err := c.transport.Call(ctx, "getNumber", map[string]string{"service": serviceID, "country": countryID})
	if err != nil {
		return nil, err
	}
	return ParseLease(raw)
}

func (c *Client) CheckStatus(ctx context.Context, providerOrderID string) (modelorder.Outcome, error) {
	raw, err := c.transport.Call(ctx, "getStatus", map[string]string{"id": providerOrderID})
	if err != nil {
		return modelorder.Outcome{}, err
	}
	outcome, known := ParseOutcome(raw)
	if !known {
		c.log.Warn().Str("raw", raw).Msg(fmt.Sprintf("unrecognized status reply for order %s, treating as waiting", providerOrderID))
	}
	return outcome, nil
}

func (c *Client) Cancel(ctx context.Context, providerOrderID string) error {
	raw, err := c.transport.Call(ctx, "setStatus", map[string]string{"id": providerOrderID, "status": statusCancel})
	if err != nil {
		return err
	}
	return ParseCancel(raw)
}

// ParseLease parses a getNumber reply.
func ParseLease(raw string) (*modelorder.Lease, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 3)
	if len(parts) != 3 || parts[0] != replyNumber || parts[1] == "" || parts[2] == "" {
		return nil, providerErrors.Rejected("getNumber", raw)
	}
	return &modelorder.Lease{ProviderOrderID: parts[1], PhoneNumber: parts[2]}, nil
}

// ParseOutcome parses a getStatus reply. The second value is false when the reply
// matched no known pattern and the outcome fell back to Waiting.
func ParseOutcome(raw string) (modelorder.Outcome, bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, replyCode+":") && len(raw) > len(replyCode)+1:
		return modelorder.Received(strings.TrimPrefix(raw, replyCode+":")), true
	case raw == replyCancelled:
		return modelorder.Cancelled(), true
	case strings.HasPrefix(raw, replyWaitPrefix):
		return modelorder.Waiting(), true
	default:
		return modelorder.Waiting(), false
	}
}

// ParseCancel parses a setStatus reply.
func ParseCancel(raw string) error {
	if strings.TrimSpace(raw) != replyCancelAck {
		return providerErrors.Rejected("setStatus", raw)
	}
	return nil
}
