package client

import (
	"context"

	"github.com/leben-philippka/jamfbridge/api"
	"github.com/leben-philippka/jamfbridge/xmldoc"
)

// policyAdapter routes policy calls. The modern generation has no policy
// coverage, so every call goes straight to the legacy endpoint.
var policyAdapter = resourceAdapter{
	kind:       api.KindPolicy,
	legacyPath: "/JSSResource/policies",
	rootTag:    "policy",
	listTag:    "policies",
	entryTag:   "policy",
	fieldNames: map[string]string{
		"self_service":          "selfService",
		"date_time_limitations": "dateTimeLimitations",
		"network_limitations":   "networkLimitations",
		"user_interaction":      "userInteraction",
		"package_configuration": "packageConfiguration",
		"network_requirements":  "networkRequirements",
		"trigger_checkin":       "triggerCheckin",
		"trigger_login":         "triggerLogin",
		"trigger_startup":       "triggerStartup",
		"retry_event":           "retryEvent",
		"retry_attempts":        "retryAttempts",
		"target_drive":          "targetDrive",
	},
	listItems: map[string]string{
		"computers":       "computer",
		"computer_groups": "computer_group",
		"buildings":       "building",
		"departments":     "department",
		"packages":        "package",
		"scripts":         "script",
	},
}

// GetPolicy fetches one policy by ID.
func (c *Client) GetPolicy(ctx context.Context, id int64) (*api.Resource, error) {
	return c.routeRead(ctx, "get_policy", policyAdapter, id)
}

// SearchPolicies lists policies, keeping only those whose name contains
// nameFilter case-insensitively. An empty filter returns everything.
func (c *Client) SearchPolicies(ctx context.Context, nameFilter string) ([]api.ListItem, error) {
	return c.routeList(ctx, "search_policies", policyAdapter, nameFilter)
}

// CreatePolicy creates a policy from the supplied attributes and verifies it
// is readable with those values. Keys use the legacy snake_case field names.
func (c *Client) CreatePolicy(ctx context.Context, attrs xmldoc.Update) (*api.Resource, error) {
	return c.routeCreate(ctx, "create_policy", policyAdapter, attrs)
}

// UpdatePolicy applies a partial update to a policy and verifies the fields
// persisted. Untouched fields in the stored document are preserved
// byte-for-byte; list-valued fields are replaced wholesale.
func (c *Client) UpdatePolicy(ctx context.Context, id int64, update xmldoc.Update) (*api.Resource, error) {
	return c.routeUpdate(ctx, "update_policy", policyAdapter, id, update)
}

// DeletePolicy removes a policy.
func (c *Client) DeletePolicy(ctx context.Context, id int64) error {
	return c.routeDelete(ctx, "delete_policy", policyAdapter, id)
}
