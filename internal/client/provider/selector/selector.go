// Package selector picks the provider implementation once per deployment.
package selector

import (
	"fmt"

	"github.com/danilovkiri/dk-go-smsbroker/internal/client/provider"
	"github.com/danilovkiri/dk-go-smsbroker/internal/client/provider/jsonproto"
	"github.com/danilovkiri/dk-go-smsbroker/internal/client/provider/offline"
	"github.com/danilovkiri/dk-go-smsbroker/internal/client/provider/textproto"
	"github.com/danilovkiri/dk-go-smsbroker/internal/config"
	"github.com/rs/zerolog"
)

// InitProvider returns the simulated provider only when offline mode is explicitly
// enabled; a missing API key otherwise is an error.
func InitProvider(cfg *config.ProviderConfig, log *zerolog.Logger) (provider.Provider, error) {
	if cfg.Offline {
		return offline.NewClient(cfg.Seed, log), nil
	}
	if cfg.APIKey == "" {
		return nil, config.ErrNoAPIKey
	}
	transport := provider.InitTransport(cfg, log)
	switch cfg.Protocol {
	case "v1":
		return textproto.NewClient(transport, log), nil
	case "v2":
		return jsonproto.NewClient(transport, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownProtocol, cfg.Protocol)
	}
}
