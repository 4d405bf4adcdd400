// Package docapi is a client for the document API that serves markets.
// Requests are JSON-RPC over HTTP POST:
//
//	{"jsonrpc":"2.0","method":"markets-by-ids","params":[["c1","c2"]],"id":1}
//
// The result is an array of contracts; identifiers with no contract are
// simply absent from it.
package docapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gbear605/manifold/internal/jsonrpc"
	"github.com/gbear605/manifold/internal/model"
)

// ErrCircuitOpen is returned while the circuit breaker rejects requests
var ErrCircuitOpen = errors.New("document api circuit open")

// Config for creating a new Client
type Config struct {
	URL            string
	RequestTimeout time.Duration
	CircuitBreaker CircuitBreakerConfig
	Logger         zerolog.Logger
}

// Client calls the document API
type Client struct {
	url        string
	httpClient *http.Client
	breaker    *CircuitBreaker
	nextID     atomic.Int64
	logger     zerolog.Logger
}

// NewClient creates a new document API client
func NewClient(cfg Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		breaker: NewCircuitBreaker(cfg.CircuitBreaker),
		logger:  cfg.Logger.With().Str("component", "docapi").Logger(),
	}
	c.breaker.onChange = c.logBreaker
	return c
}

// MarketsByIDs fetches contracts by id in a single call
func (c *Client) MarketsByIDs(ctx context.Context, ids []string) ([]*model.Contract, error) {
	if len(ids) == 0 {
		return []*model.Contract{}, nil
	}

	var contracts []*model.Contract
	if err := c.call(ctx, jsonrpc.MethodMarketsByIDs, []interface{}{ids}, &contracts); err != nil {
		return nil, err
	}
	return contracts, nil
}

// call executes one JSON-RPC request through the circuit breaker and decodes
// its result into out
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	req, err := jsonrpc.NewRequest(method, params, jsonrpc.NewIDInt(c.nextID.Add(1)))
	if err != nil {
		return err
	}

	var resp *jsonrpc.Response
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		if resp, err = c.execute(ctx, req); err != nil {
			return err
		}
		if resp.HasError() {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrCircuitOpen) {
			c.logger.Debug().Err(err).Str("method", method).Msg("document api request failed")
		}
		return err
	}

	if resp.ResultIsNull() {
		return nil
	}
	if err := resp.GetResultAs(out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) logBreaker(from, to cbState, cause error) {
	event := c.logger.Info()
	if to == cbOpen {
		event = c.logger.Warn().Err(cause)
	}
	event.Str("from", from.String()).Str("to", to.String()).Msg("document api circuit changed")
}

// execute sends a JSON-RPC request via HTTP
func (c *Client) execute(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	reqBytes, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	rpcResp, err := jsonrpc.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return rpcResp, nil
}

// BreakerState returns the circuit breaker state
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// Close releases idle connections
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
