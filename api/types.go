// Package api holds the normalized resource shapes and wire envelopes shared
// by the SDK client, the MCP facade, and the CLI. Normalized shapes use
// camelCase keys regardless of which protocol generation served the call.
package api

// ResourceKind identifies one logical resource family on the platform.
type ResourceKind string

const (
	// KindPolicy covers management policies.
	KindPolicy ResourceKind = "policy"
	// KindComputerGroup covers static and smart computer groups.
	KindComputerGroup ResourceKind = "computer_group"
	// KindPackage covers distribution packages.
	KindPackage ResourceKind = "package"
	// KindPatchConfiguration covers patch software title configurations.
	KindPatchConfiguration ResourceKind = "patch_configuration"
)

// Generation names the protocol generation that served a call.
type Generation string

const (
	// GenerationModern is the JSON API with partial resource coverage.
	GenerationModern Generation = "modern"
	// GenerationLegacy is the XML API with full resource coverage.
	GenerationLegacy Generation = "legacy"
)

// Resource is the normalized shape returned by every read and write,
// independent of protocol generation.
type Resource struct {
	// Kind identifies the resource family.
	Kind ResourceKind `json:"kind"`
	// ID is the platform-assigned numeric identifier.
	ID int64 `json:"id"`
	// Name is the display name.
	Name string `json:"name"`
	// Attributes holds the normalized fields keyed by camelCase name.
	// Legacy fields without a declared normalized name pass through under
	// their original snake_case key.
	Attributes map[string]any `json:"attributes"`
	// ServedBy records which protocol generation produced this value.
	ServedBy Generation `json:"servedBy"`
}

// ListItem is one entry of a search/list result.
type ListItem struct {
	// ID is the platform-assigned numeric identifier.
	ID int64 `json:"id"`
	// Name is the display name.
	Name string `json:"name"`
}

// BearerTokenResponse is returned by the Basic-Auth token exchange endpoint.
type BearerTokenResponse struct {
	// Token is the bearer credential.
	Token string `json:"token"`
	// Expires is the server-declared expiry in RFC 3339 form.
	Expires string `json:"expires"`
}

// OAuthTokenResponse is returned by the OAuth2 client-credentials endpoint.
type OAuthTokenResponse struct {
	// AccessToken is the bearer credential.
	AccessToken string `json:"access_token"`
	// TokenType is the credential type, always "Bearer".
	TokenType string `json:"token_type"`
	// ExpiresIn is the declared lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`
}

// ErrorDetail is one entry of the modern API error envelope.
type ErrorDetail struct {
	// Code is the stable platform error identifier.
	Code string `json:"code"`
	// Description is the human-readable diagnostic.
	Description string `json:"description"`
	// Field names the offending request field when applicable.
	Field string `json:"field,omitempty"`
	// ID references the offending object when applicable.
	ID string `json:"id,omitempty"`
}

// ErrorResponse is the modern API error envelope.
type ErrorResponse struct {
	// HTTPStatus echoes the response status code.
	HTTPStatus int `json:"httpStatus,omitempty"`
	// Errors lists the individual failures.
	Errors []ErrorDetail `json:"errors,omitempty"`
}

// Detail flattens the envelope into a single diagnostic string.
func (e ErrorResponse) Detail() string {
	for _, entry := range e.Errors {
		if entry.Description != "" {
			return entry.Description
		}
	}
	return ""
}
