package mcp

import (
	"context"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/leben-philippka/jamfbridge/api"
	"github.com/leben-philippka/jamfbridge/client"
	"github.com/leben-philippka/jamfbridge/xmldoc"
)

type getToolInput struct {
	ID int64 `json:"id" jsonschema:"Resource identifier"`
}

type searchToolInput struct {
	NameFilter string `json:"name_filter,omitempty" jsonschema:"Case-insensitive name substring; empty lists everything"`
}

type createToolInput struct {
	Attributes map[string]any `json:"attributes" jsonschema:"Resource fields, snake_case keys, nested objects allowed"`
}

type updateToolInput struct {
	ID     int64          `json:"id" jsonschema:"Resource identifier"`
	Update map[string]any `json:"update" jsonschema:"Fields to change, snake_case keys; null clears a field, lists replace wholesale"`
}

type deleteToolInput struct {
	ID int64 `json:"id" jsonschema:"Resource identifier"`
}

type resourceToolOutput struct {
	Kind          string         `json:"kind"`
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	Attributes    map[string]any `json:"attributes"`
	ServedBy      string         `json:"served_by"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

type listEntryOutput struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type searchToolOutput struct {
	Items         []listEntryOutput `json:"items"`
	Count         int               `json:"count"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

type deleteToolOutput struct {
	ID            int64  `json:"id"`
	Deleted       bool   `json:"deleted"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// kindBinding wires one resource family's SDK operations to its tool set.
type kindBinding struct {
	kind   api.ResourceKind
	prefix string
	get    func(context.Context, int64) (*api.Resource, error)
	search func(context.Context, string) ([]api.ListItem, error)
	create func(context.Context, xmldoc.Update) (*api.Resource, error)
	update func(context.Context, int64, xmldoc.Update) (*api.Resource, error)
	delete func(context.Context, int64) error
}

func (s *server) bindings() []kindBinding {
	up := s.upstream
	return []kindBinding{
		{
			kind: api.KindPolicy, prefix: "policy",
			get: up.GetPolicy, search: up.SearchPolicies,
			create: up.CreatePolicy, update: up.UpdatePolicy, delete: up.DeletePolicy,
		},
		{
			kind: api.KindComputerGroup, prefix: "computer_group",
			get: up.GetComputerGroup, search: up.SearchComputerGroups,
			create: up.CreateComputerGroup, update: up.UpdateComputerGroup, delete: up.DeleteComputerGroup,
		},
		{
			kind: api.KindPackage, prefix: "package",
			get: up.GetPackage, search: up.SearchPackages,
			create: up.CreatePackage, update: up.UpdatePackage, delete: up.DeletePackage,
		},
		{
			kind: api.KindPatchConfiguration, prefix: "patch_configuration",
			get: up.GetPatchConfiguration, search: up.SearchPatchConfigurations,
			create: up.CreatePatchConfiguration, update: up.UpdatePatchConfiguration, delete: up.DeletePatchConfiguration,
		},
	}
}

func (s *server) registerTools(srv *mcpsdk.Server) {
	descriptions := buildToolDescriptions()
	desc := func(name string) string {
		description, ok := descriptions[name]
		if !ok {
			panic(fmt.Sprintf("missing MCP tool description for %q", name))
		}
		return description
	}

	for _, b := range s.bindings() {
		b := b
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name:        toolName(b.prefix, "get"),
			Description: desc(toolName(b.prefix, "get")),
		}, withStructuredToolErrors(s.handleGet(b)))
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name:        toolName(b.prefix, "search"),
			Description: desc(toolName(b.prefix, "search")),
		}, withStructuredToolErrors(s.handleSearch(b)))
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name:        toolName(b.prefix, "create"),
			Description: desc(toolName(b.prefix, "create")),
		}, withStructuredToolErrors(s.handleCreate(b)))
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name:        toolName(b.prefix, "update"),
			Description: desc(toolName(b.prefix, "update")),
		}, withStructuredToolErrors(s.handleUpdate(b)))
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name:        toolName(b.prefix, "delete"),
			Description: desc(toolName(b.prefix, "delete")),
		}, withStructuredToolErrors(s.handleDelete(b)))
	}
}

func toolName(prefix, verb string) string {
	return "jamf_" + verb + "_" + prefix
}

func (s *server) toolContext(ctx context.Context) (context.Context, string) {
	cid := client.GenerateCorrelationID()
	return client.WithCorrelationID(ctx, cid), cid
}

func (s *server) handleGet(b kindBinding) mcpsdk.ToolHandlerFor[getToolInput, resourceToolOutput] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, input getToolInput) (*mcpsdk.CallToolResult, resourceToolOutput, error) {
		if input.ID <= 0 {
			return nil, resourceToolOutput{}, fmt.Errorf("id is required")
		}
		ctx, cid := s.toolContext(ctx)
		res, err := b.get(ctx, input.ID)
		if err != nil {
			return nil, resourceToolOutput{}, err
		}
		return nil, resourceOutput(res, cid), nil
	}
}

func (s *server) handleSearch(b kindBinding) mcpsdk.ToolHandlerFor[searchToolInput, searchToolOutput] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, input searchToolInput) (*mcpsdk.CallToolResult, searchToolOutput, error) {
		ctx, cid := s.toolContext(ctx)
		items, err := b.search(ctx, strings.TrimSpace(input.NameFilter))
		if err != nil {
			return nil, searchToolOutput{}, err
		}
		out := searchToolOutput{
			Items:         make([]listEntryOutput, 0, len(items)),
			Count:         len(items),
			CorrelationID: cid,
		}
		for _, item := range items {
			out.Items = append(out.Items, listEntryOutput{ID: item.ID, Name: item.Name})
		}
		return nil, out, nil
	}
}

func (s *server) handleCreate(b kindBinding) mcpsdk.ToolHandlerFor[createToolInput, resourceToolOutput] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, input createToolInput) (*mcpsdk.CallToolResult, resourceToolOutput, error) {
		if len(input.Attributes) == 0 {
			return nil, resourceToolOutput{}, fmt.Errorf("attributes is required")
		}
		ctx, cid := s.toolContext(ctx)
		s.toolLog.Info("mcp.tool.create", "kind", string(b.kind), "cid", cid)
		res, err := b.create(ctx, input.Attributes)
		if err != nil {
			return nil, resourceToolOutput{}, err
		}
		return nil, resourceOutput(res, cid), nil
	}
}

func (s *server) handleUpdate(b kindBinding) mcpsdk.ToolHandlerFor[updateToolInput, resourceToolOutput] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, input updateToolInput) (*mcpsdk.CallToolResult, resourceToolOutput, error) {
		if input.ID <= 0 {
			return nil, resourceToolOutput{}, fmt.Errorf("id is required")
		}
		if len(input.Update) == 0 {
			return nil, resourceToolOutput{}, fmt.Errorf("update is required")
		}
		ctx, cid := s.toolContext(ctx)
		s.toolLog.Info("mcp.tool.update", "kind", string(b.kind), "id", input.ID, "cid", cid)
		res, err := b.update(ctx, input.ID, input.Update)
		if err != nil {
			return nil, resourceToolOutput{}, err
		}
		return nil, resourceOutput(res, cid), nil
	}
}

func (s *server) handleDelete(b kindBinding) mcpsdk.ToolHandlerFor[deleteToolInput, deleteToolOutput] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, input deleteToolInput) (*mcpsdk.CallToolResult, deleteToolOutput, error) {
		if input.ID <= 0 {
			return nil, deleteToolOutput{}, fmt.Errorf("id is required")
		}
		ctx, cid := s.toolContext(ctx)
		s.toolLog.Info("mcp.tool.delete", "kind", string(b.kind), "id", input.ID, "cid", cid)
		if err := b.delete(ctx, input.ID); err != nil {
			return nil, deleteToolOutput{}, err
		}
		return nil, deleteToolOutput{ID: input.ID, Deleted: true, CorrelationID: cid}, nil
	}
}

func resourceOutput(res *api.Resource, cid string) resourceToolOutput {
	return resourceToolOutput{
		Kind:          string(res.Kind),
		ID:            res.ID,
		Name:          res.Name,
		Attributes:    res.Attributes,
		ServedBy:      string(res.ServedBy),
		CorrelationID: cid,
	}
}
