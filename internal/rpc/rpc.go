// Package rpc serves and calls JSON-RPC 2.0 methods between the gateway, its
// workers and its clients. Framing is jsonrpc from the MCP go-sdk; domain
// failures travel as ErrorData in the wire error's data member.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/swarmauri/peagen/internal/apperr"
)

// ErrorData carries the domain code so clients can rebuild an apperr.Error.
type ErrorData struct {
	Code      apperr.Code       `json:"code"`
	Retryable bool              `json:"retryable"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// WireError converts any error into its wire form. Errors that are not
// *apperr.Error go out as INTERNAL.
func WireError(err error) *jsonrpc.Error {
	var wire *jsonrpc.Error
	if errors.As(err, &wire) {
		return wire
	}
	data := ErrorData{Code: apperr.CodeInternal}
	code := int64(jsonrpc.CodeInternalError)
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		data = ErrorData{
			Code:      appErr.Code,
			Retryable: appErr.Code.Retryable(),
			Metadata:  appErr.Metadata,
		}
		code = int64(appErr.Code.RPCCode())
	}
	raw, _ := json.Marshal(data)
	return &jsonrpc.Error{Code: code, Message: err.Error(), Data: raw}
}

// AppError rebuilds the domain error from a wire error. The data member wins
// over the numeric code when both are present.
func AppError(wire *jsonrpc.Error) *apperr.Error {
	code := apperr.CodeFromRPC(int(wire.Code))
	var data ErrorData
	if len(wire.Data) > 0 && json.Unmarshal(wire.Data, &data) == nil && data.Code != "" {
		code = data.Code
	}
	return apperr.WithMetadata(code, wire.Message, data.Metadata)
}

// Handler serves one method.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Method adapts a typed function into a Handler. Missing params decode as
// the zero value of P.
func Method[P any, R any](fn func(ctx context.Context, params P) (R, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, apperr.Wrap(apperr.CodeInvalidArgument, "invalid params", err)
			}
		}
		return fn(ctx, p)
	}
}

// Registry maps method names to handlers. It is built once at startup.
type Registry struct {
	methods map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Handler)}
}

// Register adds a method. Registering a name twice panics.
func (r *Registry) Register(name string, h Handler) {
	if _, dup := r.methods[name]; dup {
		panic("rpc: duplicate method " + name)
	}
	r.methods[name] = h
}

// Methods returns the registered method names, sorted.
func (r *Registry) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one call and builds its response.
func (r *Registry) Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	resp := &jsonrpc.Response{ID: req.ID}
	h, ok := r.methods[req.Method]
	if !ok {
		resp.Error = &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "method not found: " + req.Method}
		return resp
	}

	result, err := h(ctx, req.Params)
	if err != nil {
		resp.Error = WireError(err)
		return resp
	}
	data, err := json.Marshal(result)
	if err != nil {
		resp.Error = WireError(fmt.Errorf("encode result: %w", err))
		return resp
	}
	resp.Result = data
	return resp
}

// Serve decodes one message body, dispatches it and encodes the reply. A
// nil reply means body was a notification and nothing is sent back.
func (r *Registry) Serve(ctx context.Context, body []byte) ([]byte, error) {
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		return jsonrpc.EncodeMessage(&jsonrpc.Response{
			Error: &jsonrpc.Error{Code: jsonrpc.CodeParseError, Message: "parse error: " + err.Error()},
		})
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		resp := msg.(*jsonrpc.Response)
		return jsonrpc.EncodeMessage(&jsonrpc.Response{
			ID:    resp.ID,
			Error: &jsonrpc.Error{Code: jsonrpc.CodeInvalidRequest, Message: "invalid request: expected a call"},
		})
	}
	resp := r.Dispatch(ctx, req)
	if !req.ID.IsValid() {
		return nil, nil
	}
	return jsonrpc.EncodeMessage(resp)
}
