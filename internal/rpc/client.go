package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/swarmauri/peagen/internal/apperr"
)

// Client calls methods on a gateway's /rpc endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewClient creates a client for the gateway at baseURL. A nil httpClient
// gets a 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint:   strings.TrimRight(baseURL, "/") + "/rpc",
		httpClient: httpClient,
	}
}

// Call invokes method with params and decodes the result into out (which
// may be nil). Failures reported by the gateway come back as *apperr.Error;
// transport failures are UNAVAILABLE.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id, err := jsonrpc.MakeID(float64(c.nextID.Add(1)))
	if err != nil {
		return err
	}
	req := &jsonrpc.Request{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}
	body, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "gateway unreachable", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "read response", err)
	}
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		if httpResp.StatusCode >= 500 {
			return apperr.New(apperr.CodeUnavailable, fmt.Sprintf("gateway returned %s", httpResp.Status))
		}
		return fmt.Errorf("decode response (%s): %w", httpResp.Status, err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok || resp.ID != id {
		return fmt.Errorf("unexpected reply to %s call %v", method, id.Raw())
	}
	if resp.Error != nil {
		var wire *jsonrpc.Error
		if errors.As(resp.Error, &wire) {
			return AppError(wire)
		}
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
