// Package offline implements a simulated provider used when no provider
// credential is configured and offline mode was explicitly requested.
package offline

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/danilovkiri/dk-go-smsbroker/internal/client/provider"
	providerErrors "github.com/danilovkiri/dk-go-smsbroker/internal/client/provider/errors"
	"github.com/danilovkiri/dk-go-smsbroker/internal/models/modelorder"
	"github.com/rs/zerolog"
)

// ReceiveChance is the probability that a status check resolves to Received.
const ReceiveChance = 0.3

var _ provider.Provider = (*Client)(nil)

// Client generates synthetic leases and outcomes from a seedable source.
type Client struct {
	mu  sync.Mutex
	rnd *rand.Rand
	log *zerolog.Logger
}

// NewClient initializes a simulated provider; seed 0 picks a time-based seed.
func NewClient(seed int64, log *zerolog.Logger) *Client {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log.Warn().Msg("provider is running in OFFLINE mode: numbers and codes are simulated")
	return &Client{rnd: rand.New(rand.NewSource(seed)), log: log}
}

func (c *Client) Name() string {
	return "offline"
}

func (c *Client) RequestNumber(ctx context.Context, serviceID, countryID string) (*modelorder.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, providerErrors.FromTransport("getNumber", err)
	}
	c.mu.Lock()
	id := strconv.Itoa(100000000 + c.rnd.Intn(900000000))
	phone := fmt.Sprintf("+2547%08d", c.rnd.Intn(100000000))
	c.mu.Unlock()
	c.log.Debug().Msg(fmt.Sprintf("simulated lease %s for %s/%s", id, serviceID, countryID))
	return &modelorder.Lease{ProviderOrderID: id, PhoneNumber: phone}, nil
}

func (c *Client) CheckStatus(ctx context.Context, providerOrderID string) (modelorder.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return modelorder.Outcome{}, providerErrors.FromTransport("getStatus", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rnd.Float64() < ReceiveChance {
		return modelorder.Received(fmt.Sprintf("%06d", c.rnd.Intn(1000000))), nil
	}
	return modelorder.Waiting(), nil
}

func (c *Client) Cancel(ctx context.Context, providerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return providerErrors.FromTransport("setStatus", err)
	}
	return nil
}
