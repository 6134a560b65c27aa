// Package jsonproto implements the provider client over the structured JSON protocol.
package jsonproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danilovkiri/dk-go-smsbroker/internal/client/provider"
	providerErrors "github.com/danilovkiri/dk-go-smsbroker/internal/client/provider/errors"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelorder"
	"github.com/rs/zerolog"
)

const (
	titleCancelled = "CANCELED"
	replyCancelAck = "ACCESS_CANCEL"
	statusCancel   = "8"
)

var _ provider.Provider = (*Client)(nil)

// Client defines attributes of a struct available to its methods.
type Client struct {
	transport *provider.Transport
	log       *zerolog.Logger
}

// NewClient initializes a V2 client.
func NewClient(transport *provider.Transport, log *zerolog.Logger) *Client {
	return &Client{transport: transport, log: log}
}

func (c *Client) Name() string {
	return "v2"
}

func (c *Client) RequestNumber(ctx context.Context, serviceID, countryID string) (*modelorder.Lease, error) {
	raw, err := c.transport.Call(ctx, "getNumberV2", map[string]string{"service": serviceID, "country": countryID})
	if err != nil {
		return nil, err
	}
	return ParseLease(raw)
}

func (c *Client) CheckStatus(ctx context.Context, providerOrderID string) (modelorder.Outcome, error) {
	raw, err := c.transport.Call(ctx, "getStatusV2", map[string]string{"id": providerOrderID})
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

// scalar decodes a JSON string or number into its textual form.
func scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func decodeObject(raw string) (map[string]json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// ParseLease parses a getNumberV2 reply; success is signalled by an activationId key.
func ParseLease(raw string) (*modelorder.Lease, error) {
	obj, ok := decodeObject(raw)
	if !ok {
		return nil, providerErrors.Rejected("getNumberV2", raw)
	}
	idRaw, ok := obj["activationId"]
	if !ok {
		return nil, providerErrors.Rejected("getNumberV2", raw)
	}
	lease := &modelorder.Lease{
		ProviderOrderID: scalar(idRaw),
		PhoneNumber:     scalar(obj["phoneNumber"]),
	}
	if lease.ProviderOrderID == "" || lease.PhoneNumber == "" {
		return nil, providerErrors.Rejected("getNumberV2", raw)
	}
	return lease, nil
}

type statusReply struct {
	Title string `json:"title"`
	SMS   *struct {
		Code json.RawMessage `json:"code"`
	} `json:"sms"`
}

// ParseOutcome parses a getStatusV2 reply. The second value is false when the reply
// matched no known pattern and the outcome fell back to Waiting.
func ParseOutcome(raw string) (modelorder.Outcome, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "STATUS_CANCEL" {
		return modelorder.Cancelled(), true
	}
	var reply statusReply
	if err := json.Unmarshal([]byte(trimmed), &reply); err != nil {
		return modelorder.Waiting(), false
	}
	if reply.SMS != nil {
		if code := scalar(reply.SMS.Code); code != "" {
			return modelorder.Received(code), true
		}
	}
	if strings.EqualFold(reply.Title, titleCancelled) {
		return modelorder.Cancelled(), true
	}
	return modelorder.Waiting(), true
}

// ParseCancel accepts the literal acknowledgment or a JSON object carrying it.
func ParseCancel(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == replyCancelAck {
		return nil
	}
	if obj, ok := decodeObject(trimmed); ok {
		if scalar(obj["status"]) == replyCancelAck || scalar(obj["title"]) == replyCancelAck {
			return nil
		}
	}
	return providerErrors.Rejected("setStatus", raw)
}
