// Package client provides typed remote stubs for entity APIs served over
// HTTP: a client node tree mirroring the server's, proxies for entity types
// and instances, and deferred remote calls.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/sop/core/api"
	"github.com/artpar/sop/core/fault"
	"github.com/artpar/sop/core/parsing"
	"github.com/artpar/sop/core/rpc"
)

// Config configures the transport.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client

	Logger zerolog.Logger
}

// Transport sends requests to an entity API server.
type Transport struct {
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

// NewTransport creates a transport.
func NewTransport(cfg Config) *Transport {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Transport{
		httpClient: hc,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		logger:     cfg.Logger,
	}
}

// Do sends one request and returns the decoded wire value of the response
// body. Error responses are rebuilt into the matching fault error.
func (t *Transport) Do(ctx context.Context, verb, path string, query url.Values, header http.Header, body any) (any, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	target := t.baseURL + "/" + api.NormalizePath(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, verb, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	t.logger.Debug().
		Str("method", verb).
		Str("url", target).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("remote request")

	if resp.StatusCode >= 400 {
		var eb rpc.ErrorBody
		if err := json.Unmarshal(raw, &eb); err != nil || eb.Kind == "" {
			return nil, &fault.RemoteError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return nil, fault.FromWire(eb.Kind, eb.Message, resp.StatusCode)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &fault.UnparsableResponseError{Type: "json", Err: err}
	}
	return parsing.Normalize(v), nil
}
