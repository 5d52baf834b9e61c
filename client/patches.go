package client

import (
	"context"

	"github.com/leben-philippka/jamfbridge/api"
	"github.com/leben-philippka/jamfbridge/xmldoc"
)

var patchAdapter = resourceAdapter{
	kind:       api.KindPatchConfiguration,
	modernPath: "/api/v2/patch-software-title-configurations",
	legacyPath: "/JSSResource/patchsoftwaretitles",
	rootTag:    "patch_software_title",
	listTag:    "patch_software_titles",
	entryTag:   "patch_software_title",
	fieldNames: map[string]string{
		"software_title_id":   "softwareTitleId",
		"source_id":           "sourceId",
		"name_id":             "nameId",
		"ui_notifications":    "uiNotifications",
		"email_notifications": "emailNotifications",
	},
	listItems: map[string]string{
		"versions": "version",
		"packages": "package",
	},
}

// GetPatchConfiguration fetches one patch software title configuration by ID.
func (c *Client) GetPatchConfiguration(ctx context.Context, id int64) (*api.Resource, error) {
	return c.routeRead(ctx, "get_patch_configuration", patchAdapter, id)
}

// SearchPatchConfigurations lists patch configurations, keeping only those
// whose name contains nameFilter case-insensitively. An empty filter returns
// everything.
func (c *Client) SearchPatchConfigurations(ctx context.Context, nameFilter string) ([]api.ListItem, error) {
	return c.routeList(ctx, "search_patch_configurations", patchAdapter, nameFilter)
}

// CreatePatchConfiguration creates a patch configuration and verifies it is
// readable with the supplied values. Keys use the legacy snake_case field
// names.
func (c *Client) CreatePatchConfiguration(ctx context.Context, attrs xmldoc.Update) (*api.Resource, error) {
	return c.routeCreate(ctx, "create_patch_configuration", patchAdapter, attrs)
}

// UpdatePatchConfiguration applies a partial update to a patch configuration
// and verifies the fields persisted. Version and package lists are replaced
// wholesale.
func (c *Client) UpdatePatchConfiguration(ctx context.Context, id int64, update xmldoc.Update) (*api.Resource, error) {
	return c.routeUpdate(ctx, "update_patch_configuration", patchAdapter, id, update)
}

// DeletePatchConfiguration removes a patch configuration.
func (c *Client) DeletePatchConfiguration(ctx context.Context, id int64) error {
	return c.routeDelete(ctx, "delete_patch_configuration", patchAdapter, id)
}
