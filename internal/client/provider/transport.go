package provider

import (
	"context"
	"fmt"
	"strings"

	providerErrors "github.com/danilovkiri/dk-go-smsbroker/internal/client/provider/errors"
	"github.com/danilovkiri/dk-go-smsbroker/internal/config"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// HandlerPath is the provider endpoint shared by both wire protocols.
const HandlerPath = "/stubs/handler_api.php"

// Transport executes provider actions over HTTP GET.
type Transport struct {
	client *resty.Client
	apiKey string
	log    *zerolog.Logger
}

// InitTransport initializes a resty client against the configured provider address.
func InitTransport(cfg *config.ProviderConfig, log *zerolog.Logger) *Transport {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Address, "/")).
		SetTimeout(cfg.Timeout).
		SetLogger(&restyLogger{log: log, secret: cfg.APIKey})
	log.Info().Msg(fmt.Sprintf("provider client initialized for %s", cfg.Address))
	return &Transport{client: client, apiKey: cfg.APIKey, log: log}
}

// Call performs a single action and returns the trimmed reply body.
// Non-2xx replies are reported as a provider error carrying the body.
func (t *Transport) Call(ctx context.Context, action string, params map[string]string) (string, error) {
	query := map[string]string{
		"api_key": t.apiKey,
		"action":  action,
	}
	for k, v := range params {
		query[k] = v
	}
	response, err := t.client.R().SetContext(ctx).SetQueryParams(query).Get(HandlerPath)
	if err != nil {
		perr := providerErrors.FromTransport(action, err)
		t.log.Error().Err(perr).Msg(fmt.Sprintf("provider action %s failed", action))
		return "", perr
	}
	body := strings.TrimSpace(response.String())
	if response.IsError() {
		t.log.Error().Int("status", response.StatusCode()).Str("raw", body).Msg(fmt.Sprintf("provider action %s rejected", action))
		return "", &providerErrors.ProviderError{Op: action, Raw: body, StatusCode: response.StatusCode()}
	}
	t.log.Debug().Str("raw", body).Msg(fmt.Sprintf("provider action %s replied", action))
	return body, nil
}

// restyLogger routes resty diagnostics into zerolog with the API key masked.
type restyLogger struct {
	log    *zerolog.Logger
	secret string
}

func (l *restyLogger) mask(format string, v ...interface{}) string {
	msg := fmt.Sprintf(format, v...)
	if l.secret != "" {
		msg = strings.ReplaceAll(msg, l.secret, "***")
	}
	return msg
}

func (l *restyLogger) Errorf(format string, v ...interface{}) {
	l.log.Error().Msg(l.mask(format, v...))
}

func (l *restyLogger) Warnf(format string, v ...interface{}) {
	l.log.Warn().Msg(l.mask(format, v...))
}

func (l *restyLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug().Msg(l.mask(format, v...))
}
