// Package gateway performs the network calls to peer bank nodes and
// normalizes their responses into ACK / NACK / indeterminate results.
//
// Every call is bounded by a timeout and runs through a per-peer circuit
// breaker. A semantic NACK is a peer decision and is never retried; a
// transport failure or timeout means the outcome on the peer side is
// unknown and is reported as indeterminate, never as success.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"settlenet/pkg/logging"
	"settlenet/pkg/metrics"
	"settlenet/pkg/wire"
)

// Outcome classifies a peer response.
type Outcome int

const (
	// Ack means the peer accepted and applied the request.
	Ack Outcome = iota
	// Nack means the peer explicitly refused. Not retryable.
	Nack
	// Indeterminate means the outcome on the peer side is unknown
	// (timeout, transport failure, unreadable response).
	Indeterminate
)

// String returns the wire spelling of the outcome.
func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	default:
		return "indeterminate"
	}
}

// Result is the normalized outcome of a peer call.
type Result struct {
	Outcome Outcome
	// Reason carries the peer's refusal reason for Nack, or a transport
	// description for Indeterminate.
	Reason string
	// Status is the HTTP status the peer answered with, 0 when no
	// response was received.
	Status int
	// Err is the underlying transport error for Indeterminate results.
	Err error
}

// Config holds gateway configuration.
type Config struct {
	// Timeout bounds each peer call. After it fires the call is
	// indeterminate.
	Timeout time.Duration

	// Breaker configures the per-peer circuit breaker.
	Breaker BreakerConfig
}

// BreakerConfig mirrors the gobreaker settings the gateway exposes.
type BreakerConfig struct {
	MaxRequests uint32
	Interval    time.Duration
	OpenTimeout time.Duration
	// ConsecutiveFailures trips the breaker once reached.
	ConsecutiveFailures uint32
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 5 * time.Second,
		Breaker: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			OpenTimeout:         30 * time.Second,
			ConsecutiveFailures: 5,
		},
	}
}

// Gateway posts signed payloads to peer nodes.
type Gateway struct {
	client  *http.Client
	config  Config
	logger  *logging.Logger
	metrics metrics.Collector

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a gateway.
func New(config Config, logger *logging.Logger, collector metrics.Collector) *Gateway {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Gateway{
		client:   &http.Client{Timeout: config.Timeout},
		config:   config,
		logger:   logger.Named("gateway"),
		metrics:  collector,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the circuit breaker for a peer endpoint, creating it on
// first use.
func (g *Gateway) breaker(endpoint string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[endpoint]; ok {
		return cb
	}

	trip := g.config.Breaker.ConsecutiveFailures
	if trip == 0 {
		trip = 5
	}
	settings := gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: g.config.Breaker.MaxRequests,
		Interval:    g.config.Breaker.Interval,
		Timeout:     g.config.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state changed",
				zap.String("peer", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			var state metrics.CircuitState
			switch to {
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			default:
				state = metrics.CircuitClosed
			}
			g.metrics.RecordCircuitState(name, state)
		},
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	g.breakers[endpoint] = cb
	return cb
}

// Post sends the payload to endpoint+path and normalizes the response.
// The payload bytes are relayed as-is; the gateway never rewrites a signed
// message.
func (g *Gateway) Post(ctx context.Context, endpoint, path string, payload []byte) Result {
	cb := g.breaker(endpoint)

	res, err := cb.Execute(func() (interface{}, error) {
		r := g.post(ctx, endpoint, path, payload)
		// Only transport-level failures count against the breaker; a
		// NACK is a healthy peer saying no.
		if r.Outcome == Indeterminate {
			return r, r.Err
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{
				Outcome: Indeterminate,
				Reason:  "peer circuit open",
				Err:     err,
			}
		}
		if r, ok := res.(Result); ok {
			return r
		}
		return Result{Outcome: Indeterminate, Reason: "transport failure", Err: err}
	}
	return res.(Result)
}

func (g *Gateway) post(ctx context.Context, endpoint, path string, payload []byte) Result {
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return Result{Outcome: Indeterminate, Reason: "bad request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("peer call failed",
			zap.String("endpoint", endpoint),
			zap.String("path", path),
			zap.Error(err),
		)
		return Result{Outcome: Indeterminate, Reason: "transport failure", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Outcome: Indeterminate, Status: resp.StatusCode, Reason: "unreadable response", Err: err}
	}

	return normalize(resp.StatusCode, body)
}

// normalize maps an HTTP status and body onto an outcome. 2xx with an ACK
// body is success; 2xx with a NACK body and any 4xx is an explicit refusal;
// 5xx and unparseable bodies leave the peer outcome unknown.
func normalize(status int, body []byte) Result {
	var envelope struct {
		Status  string `json:"status"`
		Reason  string `json:"reason"`
		Mensaje string `json:"mensaje"`
		Error   string `json:"error"`
	}
	parseErr := json.Unmarshal(body, &envelope)
	reason := envelope.Reason
	if reason == "" {
		reason = envelope.Mensaje
	}
	if reason == "" {
		reason = envelope.Error
	}

	switch {
	case status >= 200 && status < 300:
		if parseErr != nil {
			return Result{Outcome: Indeterminate, Status: status, Reason: "unparseable response", Err: parseErr}
		}
		if envelope.Status == wire.StatusNack {
			return Result{Outcome: Nack, Status: status, Reason: reason}
		}
		return Result{Outcome: Ack, Status: status, Reason: reason}
	case status >= 400 && status < 500:
		if reason == "" {
			reason = http.StatusText(status)
		}
		return Result{Outcome: Nack, Status: status, Reason: reason}
	default:
		if reason == "" {
			reason = http.StatusText(status)
		}
		return Result{Outcome: Indeterminate, Status: status, Reason: reason}
	}
}
