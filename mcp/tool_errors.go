package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/leben-philippka/jamfbridge/client"
)

type toolErrorEnvelope struct {
	ErrorCode         string `json:"error_code"`
	Detail            string `json:"detail,omitempty"`
	Retryable         bool   `json:"retryable"`
	HTTPStatus        int    `json:"http_status,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	Generation        string `json:"generation,omitempty"`
}

func withStructuredToolErrors[In, Out any](h mcpsdk.ToolHandlerFor[In, Out]) mcpsdk.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input In) (*mcpsdk.CallToolResult, Out, error) {
		res, out, err := h(ctx, req, input)
		if err == nil {
			return res, out, nil
		}
		var zero Out
		return nil, zero, toolError{Envelope: classifyToolError(err)}
	}
}

type toolError struct {
	Envelope toolErrorEnvelope
}

func (e toolError) Error() string {
	envelope := map[string]any{"error": e.Envelope}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return `{"error":{"error_code":"tool_error","detail":"failed to encode error envelope"}}`
	}
	return string(encoded)
}

// classifyToolError maps the SDK error taxonomy onto the structured envelope
// agents branch on. Retryable means a later identical call may succeed; a
// verification failure is deliberately not retryable because the write may
// have partially applied and must be checked with a read first.
func classifyToolError(err error) toolErrorEnvelope {
	env := toolErrorEnvelope{ErrorCode: "tool_error", Detail: strings.TrimSpace(err.Error())}

	if errors.Is(err, client.ErrReadOnlyMode) {
		env.ErrorCode = "read_only"
		return env
	}
	if errors.Is(err, client.ErrCircuitOpen) {
		env.ErrorCode = "circuit_open"
		env.Retryable = true
		return env
	}
	var verification *client.VerificationError
	if errors.As(err, &verification) {
		env.ErrorCode = "verification_failed"
		return env
	}
	var conflict *client.ConflictError
	if errors.As(err, &conflict) {
		env.ErrorCode = "write_conflict"
		env.Retryable = true
		attachAPIError(&env, err)
		return env
	}
	var transient *client.TransientError
	if errors.As(err, &transient) {
		env.ErrorCode = "unavailable"
		env.Retryable = true
		env.Generation = string(transient.Generation)
		attachAPIError(&env, err)
		return env
	}
	var validation *client.ValidationError
	if errors.As(err, &validation) {
		env.ErrorCode = "invalid_argument"
		env.Generation = string(validation.Generation)
		attachAPIError(&env, err)
		return env
	}
	var auth *client.AuthError
	if errors.As(err, &auth) {
		env.ErrorCode = "auth_failed"
		return env
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		attachAPIError(&env, err)
		env.ErrorCode = "http_" + strconv.Itoa(apiErr.Status)
		if apiErr.Status >= 500 {
			env.Retryable = true
		}
		return env
	}

	lower := strings.ToLower(env.Detail)
	switch {
	case strings.Contains(lower, "required"), strings.Contains(lower, "invalid"):
		env.ErrorCode = "invalid_argument"
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline"):
		env.ErrorCode = "timeout"
		env.Retryable = true
	}
	return env
}

func attachAPIError(env *toolErrorEnvelope, err error) {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return
	}
	env.HTTPStatus = apiErr.Status
	if env.Generation == "" {
		env.Generation = string(apiErr.Generation)
	}
	if detail := apiErr.Response.Detail(); detail != "" {
		env.Detail = detail
	}
	if retryAfter := apiErr.RetryAfterDuration(); retryAfter > 0 {
		env.RetryAfterSeconds = int64(retryAfter.Seconds())
		env.Retryable = true
	}
}
