package client

import (
	"context"

	"github.com/leben-philippka/jamfbridge/api"
	"github.com/leben-philippka/jamfbridge/xmldoc"
)

var packageAdapter = resourceAdapter{
	kind:       api.KindPackage,
	modernPath: "/api/v1/packages",
	legacyPath: "/JSSResource/packages",
	rootTag:    "package",
	listTag:    "packages",
	entryTag:   "package",
	fieldNames: map[string]string{
		"fill_user_template":            "fillUserTemplate",
		"fill_existing_users":           "fillExistingUsers",
		"os_requirements":               "osRequirements",
		"reboot_required":               "rebootRequired",
		"install_if_reported_available": "installIfReportedAvailable",
		"category_id":                   "categoryId",
		"allow_uninstalled":             "allowUninstalled",
	},
}

// GetPackage fetches one package by ID.
func (c *Client) GetPackage(ctx context.Context, id int64) (*api.Resource, error) {
	return c.routeRead(ctx, "get_package", packageAdapter, id)
}

// SearchPackages lists packages, keeping only those whose name contains
// nameFilter case-insensitively. An empty filter returns everything.
func (c *Client) SearchPackages(ctx context.Context, nameFilter string) ([]api.ListItem, error) {
	return c.routeList(ctx, "search_packages", packageAdapter, nameFilter)
}

// CreatePackage registers a package record and verifies it is readable with
// the supplied values. Keys use the legacy snake_case field names.
func (c *Client) CreatePackage(ctx context.Context, attrs xmldoc.Update) (*api.Resource, error) {
	return c.routeCreate(ctx, "create_package", packageAdapter, attrs)
}

// UpdatePackage applies a partial update to a package record and verifies the
// fields persisted.
func (c *Client) UpdatePackage(ctx context.Context, id int64, update xmldoc.Update) (*api.Resource, error) {
	return c.routeUpdate(ctx, "update_package", packageAdapter, id, update)
}

// DeletePackage removes a package record.
func (c *Client) DeletePackage(ctx context.Context, id int64) error {
	return c.routeDelete(ctx, "delete_package", packageAdapter, id)
}
