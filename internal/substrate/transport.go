// Package substrate implements the transport endpoint: one logical JSON-RPC
// connection to a substrate-style chain node.
package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// Conn is a single logical connection to one node URL. HTTP keep-alive does
// the socket reuse underneath; Conn owns its own resty client so that closing
// it tears down the idle sockets too.
type Conn struct {
	client *resty.Client
	url    string
	nextID atomic.Uint64
	closed atomic.Bool
}

// DialConfig controls connection establishment.
type DialConfig struct {
	RequestTimeout time.Duration
	ProbeRetries   int
}

// Dial opens a connection to the node at url and probes it with system_health
// before handing it out. The probe goes through a retryable HTTP client so a
// momentary hiccup at dial time does not fail the whole lease.
func Dial(ctx context.Context, url string, cfg DialConfig) (*Conn, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	probe := retryablehttp.NewClient()
	probe.RetryMax = cfg.ProbeRetries
	probe.RetryWaitMin = 200 * time.Millisecond
	probe.RetryWaitMax = 2 * time.Second
	probe.HTTPClient.Timeout = cfg.RequestTimeout
	probe.Logger = nil

	body, err := sonic.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "system_health", Params: []any{}})
	if err != nil {
		return nil, fmt.Errorf("marshal health probe: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := probe.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("health probe returned status %d", resp.StatusCode)}
	}

	client := resty.New().
		SetBaseURL(url).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetTimeout(cfg.RequestTimeout)

	log.Debug().Str("url", url).Msg("node connection established")

	return &Conn{client: client, url: url}, nil
}

// URL returns the node URL this connection talks to.
func (c *Conn) URL() string { return c.url }

// Call issues one JSON-RPC request. A socket/HTTP-level failure comes back as
// *TransportError, a node-reported error as *RemoteError.
func (c *Conn) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, &TransportError{URL: c.url, Err: fmt.Errorf("connection closed")}
	}
	if params == nil {
		params = []any{}
	}

	id := c.nextID.Add(1)
	var result rpcResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}).
		SetResult(&result).
		Post("")
	if err != nil {
		return nil, &TransportError{URL: c.url, Err: err}
	}
	if resp.IsError() {
		return nil, &TransportError{URL: c.url, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}
	if result.Error != nil {
		log.Debug().Str("url", c.url).Str("method", method).Int("code", result.Error.Code).Msg("node returned error")
		return nil, result.Error
	}
	return result.Result, nil
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.client.GetClient().CloseIdleConnections()
	log.Debug().Str("url", c.url).Msg("node connection closed")
	return nil
}
