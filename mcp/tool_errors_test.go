package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/leben-philippka/jamfbridge/api"
	"github.com/leben-philippka/jamfbridge/client"
)

func TestClassifyToolErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{
			name:      "read only",
			err:       fmt.Errorf("update_policy id=3: %w", client.ErrReadOnlyMode),
			code:      "read_only",
			retryable: false,
		},
		{
			name:      "circuit open",
			err:       fmt.Errorf("get_policy id=3: %w", client.ErrCircuitOpen),
			code:      "circuit_open",
			retryable: true,
		},
		{
			name: "verification failure is not retryable",
			err: &client.VerificationError{
				Kind: api.KindPolicy, ID: 3,
				Fields: []string{"general.enabled"}, Attempts: 5,
				Reason: "read budget exhausted before fields were observed",
			},
			code:      "verification_failed",
			retryable: false,
		},
		{
			name:      "conflict",
			err:       &client.ConflictError{Attempts: 3, Err: errors.New("409")},
			code:      "write_conflict",
			retryable: true,
		},
		{
			name:      "transient",
			err:       &client.TransientError{Generation: api.GenerationLegacy, Err: errors.New("502")},
			code:      "unavailable",
			retryable: true,
		},
		{
			name:      "validation",
			err:       &client.ValidationError{Generation: api.GenerationModern, Err: errors.New("bad field")},
			code:      "invalid_argument",
			retryable: false,
		},
		{
			name:      "auth",
			err:       &client.AuthError{Reason: "re-authentication after 401 failed"},
			code:      "auth_failed",
			retryable: false,
		},
		{
			name:      "plain message falls back to heuristics",
			err:       errors.New("id is required"),
			code:      "invalid_argument",
			retryable: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := classifyToolError(tc.err)
			if env.ErrorCode != tc.code {
				t.Fatalf("error code: got %q, want %q", env.ErrorCode, tc.code)
			}
			if env.Retryable != tc.retryable {
				t.Fatalf("retryable: got %v, want %v", env.Retryable, tc.retryable)
			}
		})
	}
}

func TestClassifyToolErrorCarriesAPIErrorDetail(t *testing.T) {
	apiErr := &client.APIError{
		Status:     503,
		Generation: api.GenerationModern,
		Response: api.ErrorResponse{
			HTTPStatus: 503,
			Errors:     []api.ErrorDetail{{Code: "MAINTENANCE", Description: "scheduled maintenance window"}},
		},
		RetryAfter: 90 * time.Second,
	}
	env := classifyToolError(&client.TransientError{Generation: api.GenerationModern, Err: apiErr})
	if env.HTTPStatus != 503 {
		t.Fatalf("http status: got %d", env.HTTPStatus)
	}
	if env.Detail != "scheduled maintenance window" {
		t.Fatalf("detail: got %q", env.Detail)
	}
	if env.RetryAfterSeconds != 90 {
		t.Fatalf("retry after: got %d", env.RetryAfterSeconds)
	}
	if !env.Retryable {
		t.Fatalf("transient API error must be retryable")
	}
	if env.Generation != "modern" {
		t.Fatalf("generation: got %q", env.Generation)
	}
}

func TestToolErrorRendersJSONEnvelope(t *testing.T) {
	e := toolError{Envelope: toolErrorEnvelope{ErrorCode: "circuit_open", Retryable: true}}
	var decoded struct {
		Error toolErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Error()), &decoded); err != nil {
		t.Fatalf("envelope must be valid JSON: %v", err)
	}
	if decoded.Error.ErrorCode != "circuit_open" || !decoded.Error.Retryable {
		t.Fatalf("unexpected envelope %+v", decoded.Error)
	}
	if strings.Contains(e.Error(), "detail") {
		t.Fatalf("empty detail should be omitted: %s", e.Error())
	}
}
