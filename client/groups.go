package client

import (
	"context"

	"github.com/leben-philippka/jamfbridge/api"
	"github.com/leben-philippka/jamfbridge/xmldoc"
)

var computerGroupAdapter = resourceAdapter{
	kind:       api.KindComputerGroup,
	modernPath: "/api/v1/computer-groups",
	legacyPath: "/JSSResource/computergroups",
	rootTag:    "computer_group",
	listTag:    "computer_groups",
	entryTag:   "computer_group",
	fieldNames: map[string]string{
		"is_smart": "isSmart",
	},
	listItems: map[string]string{
		"computers": "computer",
	},
}

// GetComputerGroup fetches one computer group by ID.
func (c *Client) GetComputerGroup(ctx context.Context, id int64) (*api.Resource, error) {
	return c.routeRead(ctx, "get_computer_group", computerGroupAdapter, id)
}

// SearchComputerGroups lists computer groups, keeping only those whose name
// contains nameFilter case-insensitively. An empty filter returns everything.
func (c *Client) SearchComputerGroups(ctx context.Context, nameFilter string) ([]api.ListItem, error) {
	return c.routeList(ctx, "search_computer_groups", computerGroupAdapter, nameFilter)
}

// CreateComputerGroup creates a computer group and verifies it is readable
// with the supplied values. Keys use the legacy snake_case field names.
func (c *Client) CreateComputerGroup(ctx context.Context, attrs xmldoc.Update) (*api.Resource, error) {
	return c.routeCreate(ctx, "create_computer_group", computerGroupAdapter, attrs)
}

// UpdateComputerGroup applies a partial update to a computer group and
// verifies the fields persisted. Membership and criteria lists are replaced
// wholesale.
func (c *Client) UpdateComputerGroup(ctx context.Context, id int64, update xmldoc.Update) (*api.Resource, error) {
	return c.routeUpdate(ctx, "update_computer_group", computerGroupAdapter, id, update)
}

// DeleteComputerGroup removes a computer group.
func (c *Client) DeleteComputerGroup(ctx context.Context, id int64) error {
	return c.routeDelete(ctx, "delete_computer_group", computerGroupAdapter, id)
}
