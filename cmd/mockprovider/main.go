// Command mockprovider serves a local stand-in for the upstream SMS provider.
// Both wire protocols are answered on the same endpoint, codes arrive at random.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/danilovkiri/dk-go-smsbroker/internal/client/provider"
	"github.com/danilovkiri/dk-go-smsbroker/internal/logger"
	"github.com/go-chi/chi"
	"github.com/rs/zerolog"
)

type ServerConfig struct {
	ServerAddress string `env:"MOCK_ADDRESS"`
	APIKey        string `env:"PROVIDER_API_KEY"`
	ChanceError   int    `env:"MOCK_ERROR_PERCENT" envDefault:"5"`
	ChanceCode    int    `env:"MOCK_CODE_PERCENT" envDefault:"30"`
}

func NewServerConfig() (*ServerConfig, error) {
	cfg := ServerConfig{}
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isFlagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func (c *ServerConfig) ParseFlags() {
	a := flag.String("a", ":7070", "Server address")
	flag.Parse()
	if isFlagPassed("a") || c.ServerAddress == "" {
		c.ServerAddress = *a
	}
}

type activation struct {
	phone     string
	code      string
	cancelled bool
}

// MockProvider keeps activations in memory.
type MockProvider struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	activations map[string]*activation
	cfg         *ServerConfig
	log         *zerolog.Logger
}

func NewMockProvider(cfg *ServerConfig, log *zerolog.Logger) *MockProvider {
	return &MockProvider{
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		activations: make(map[string]*activation),
		cfg:         cfg,
		log:         log,
	}
}

func (m *MockProvider) chance(percent int) bool {
	return percent > m.rnd.Intn(100)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func (m *MockProvider) HandleAPI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if m.cfg.APIKey != "" && q.Get("api_key") != m.cfg.APIKey {
			writeText(w, http.StatusOK, "BAD_KEY")
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		action := q.Get("action")
		// mock http status 500 error
		if m.chance(m.cfg.ChanceError) {
			m.log.Info().Msg(fmt.Sprintf("%s: responding with error 500", action))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch action {
		case "getNumber", "getNumberV2":
			if q.Get("service") == "" || q.Get("country") == "" {
				writeText(w, http.StatusOK, "BAD_SERVICE")
				return
			}
			id := strconv.Itoa(100000000 + m.rnd.Intn(900000000))
			a := &activation{phone: fmt.Sprintf("2547%08d", m.rnd.Intn(100000000))}
			m.activations[id] = a
			m.log.Info().Msg(fmt.Sprintf("%s: issued %s for %s/%s", action, id, q.Get("service"), q.Get("country")))
			if action == "getNumber" {
				writeText(w, http.StatusOK, fmt.Sprintf("ACCESS_NUMBER:%s:%s", id, a.phone))
				return
			}
			writeJSON(w, map[string]interface{}{
				"activationId":   id,
				"phoneNumber":    a.phone,
				"activationCost": "12.50",
				"countryCode":    q.Get("country"),
			})
		case "getStatus", "getStatusV2":
			a, ok := m.activations[q.Get("id")]
			if !ok {
				writeText(w, http.StatusOK, "NO_ACTIVATION")
				return
			}
			if !a.cancelled && a.code == "" && m.chance(m.cfg.ChanceCode) {
				a.code = fmt.Sprintf("%06d", m.rnd.Intn(1000000))
			}
			m.writeStatus(w, action == "getStatusV2", a)
		case "setStatus":
			a, ok := m.activations[q.Get("id")]
			if !ok {
				writeText(w, http.StatusOK, "NO_ACTIVATION")
				return
			}
			if q.Get("status") != "8" || a.code != "" {
				writeText(w, http.StatusOK, "EARLY_CANCEL_DENIED")
				return
			}
			a.cancelled = true
			writeText(w, http.StatusOK, "ACCESS_CANCEL")
		default:
			writeText(w, http.StatusOK, "WRONG_ACTION")
		}
	}
}

func (m *MockProvider) writeStatus(w http.ResponseWriter, v2 bool, a *activation) {
	switch {
	case a.cancelled:
		writeText(w, http.StatusOK, "STATUS_CANCEL")
	case !v2 && a.code != "":
		writeText(w, http.StatusOK, "STATUS_OK:"+a.code)
	case !v2:
		writeText(w, http.StatusOK, "STATUS_WAIT_CODE")
	case a.code != "":
		writeJSON(w, map[string]interface{}{
			"verificationType": 0,
			"sms":              map[string]string{"dateTime": time.Now().Format(time.DateTime), "code": a.code, "text": "Your code is " + a.code},
			"call":             nil,
		})
	default:
		writeJSON(w, map[string]interface{}{"verificationType": 0, "sms": nil, "call": nil})
	}
}

func InitServer(cfg *ServerConfig, log *zerolog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Get(provider.HandlerPath, NewMockProvider(cfg, log).HandleAPI())
	return &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      r,
		IdleTimeout:  60 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

func main() {
	log := logger.InitLog("info")
	cfg, err := NewServerConfig()
	if err != nil {
		log.Error().Err(err).Msg("")
		os.Exit(1)
	}
	cfg.ParseFlags()
	server := InitServer(cfg, log)
	log.Info().Msg(fmt.Sprintf("mock provider listening on %s", cfg.ServerAddress))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("")
	}
}
