package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/leben-philippka/jamfbridge/api"
	"github.com/leben-philippka/jamfbridge/xmldoc"
)

const (
	contentTypeJSON = "application/json"
	contentTypeXML  = "application/xml"
)

// resourceAdapter binds one resource kind to its endpoints on both protocol
// generations and the key translation between them. An empty modernPath means
// the modern generation has no coverage for the kind and every call routes
// straight to the legacy endpoint.
type resourceAdapter struct {
	kind       api.ResourceKind
	modernPath string
	legacyPath string

	// rootTag is the legacy document root for a single resource, listTag the
	// root of the legacy collection listing, entryTag the per-entry element
	// inside it.
	rootTag  string
	listTag  string
	entryTag string

	// fieldNames maps legacy snake_case keys to their normalized camelCase
	// names. Keys absent from the table pass through unchanged.
	fieldNames map[string]string

	// listItems overrides the item tag rendered for replaced lists, merged
	// over the built-in defaults.
	listItems map[string]string
}

func (ad resourceAdapter) mergeOptions() xmldoc.MergeOptions {
	return xmldoc.MergeOptions{ListItemNames: ad.listItems}
}

// normalizedKey translates one legacy key to its normalized name.
func (ad resourceAdapter) normalizedKey(legacy string) string {
	if camel, ok := ad.fieldNames[legacy]; ok {
		return camel
	}
	return legacy
}

// fallbackEligible reports whether a modern-generation failure should be
// retried on the legacy generation. Validation rejections would fail
// identically there, credential failures apply to both generations, and an
// open circuit guards the whole outbound path, so none of those fall back.
func fallbackEligible(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var auth *AuthError
	if errors.As(err, &auth) {
		return false
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return false
	}
	return true
}

// routeRead fetches one resource, preferring the modern generation and
// falling back to legacy on retryable outcomes.
func (c *Client) routeRead(ctx context.Context, op string, ad resourceAdapter, id int64) (*api.Resource, error) {
	if ad.modernPath != "" {
		res, err := c.readModern(ctx, op, ad, id)
		if err == nil {
			c.mset.ObserveRequest(string(api.GenerationModern), "success")
			return res, nil
		}
		if !fallbackEligible(err) {
			return nil, wrapOp(op, id, err)
		}
		c.logWarnCtx(ctx, "client.route.fallback", "op", op, "kind", string(ad.kind), "id", id, "error", err)
		c.mset.ObserveFallback()
	}
	res, err := c.readLegacy(ctx, op, ad, id, false)
	if err != nil {
		return nil, wrapOp(op, id, err)
	}
	c.mset.ObserveRequest(string(api.GenerationLegacy), "success")
	return res, nil
}

// routeList enumerates a resource collection with the same fallback policy as
// routeRead. nameFilter, when non-empty, keeps only entries whose name
// contains the filter case-insensitively; both generations filter client-side
// so results match regardless of which one served the call.
func (c *Client) routeList(ctx context.Context, op string, ad resourceAdapter, nameFilter string) ([]api.ListItem, error) {
	var (
		items []api.ListItem
		err   error
	)
	if ad.modernPath != "" {
		items, err = c.listModern(ctx, op, ad)
		if err == nil {
			c.mset.ObserveRequest(string(api.GenerationModern), "success")
			return filterByName(items, nameFilter), nil
		}
		if !fallbackEligible(err) {
			return nil, wrapOp(op, 0, err)
		}
		c.logWarnCtx(ctx, "client.route.fallback", "op", op, "kind", string(ad.kind), "error", err)
		c.mset.ObserveFallback()
	}
	items, err = c.listLegacy(ctx, op, ad)
	if err != nil {
		return nil, wrapOp(op, 0, err)
	}
	c.mset.ObserveRequest(string(api.GenerationLegacy), "success")
	return filterByName(items, nameFilter), nil
}

// routeDelete removes one resource with the same fallback policy as
// routeRead.
func (c *Client) routeDelete(ctx context.Context, op string, ad resourceAdapter, id int64) error {
	if c.readOnly {
		return wrapOp(op, id, ErrReadOnlyMode)
	}
	if ad.modernPath != "" {
		err := c.deleteOn(ctx, op, api.GenerationModern, fmt.Sprintf("%s/%d", ad.modernPath, id))
		if err == nil {
			c.mset.ObserveRequest(string(api.GenerationModern), "success")
			return nil
		}
		if !fallbackEligible(err) {
			return wrapOp(op, id, err)
		}
		c.logWarnCtx(ctx, "client.route.fallback", "op", op, "kind", string(ad.kind), "id", id, "error", err)
		c.mset.ObserveFallback()
	}
	err := c.deleteOn(ctx, op, api.GenerationLegacy, fmt.Sprintf("%s/id/%d", ad.legacyPath, id))
	if err != nil {
		return wrapOp(op, id, err)
	}
	c.mset.ObserveRequest(string(api.GenerationLegacy), "success")
	return nil
}

func (c *Client) readModern(ctx context.Context, op string, ad resourceAdapter, id int64) (*api.Resource, error) {
	resp, err := c.doAuthenticated(ctx, op, request{
		method: http.MethodGet,
		path:   fmt.Sprintf("%s/%d", ad.modernPath, id),
		accept: contentTypeJSON,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.mset.ObserveRequest(string(api.GenerationModern), outcomeFor(resp.StatusCode))
		return nil, categorize(c.decodeError(resp, api.GenerationModern))
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &TransientError{Generation: api.GenerationModern, Err: fmt.Errorf("decode response: %w", err)}
	}
	return normalizeModern(ad, payload)
}

// readLegacy fetches and normalizes the legacy document. noCache asks the
// upstream cache tier to bypass, used by post-write verification reads.
func (c *Client) readLegacy(ctx context.Context, op string, ad resourceAdapter, id int64, noCache bool) (*api.Resource, error) {
	doc, err := c.fetchLegacyDoc(ctx, op, ad, id, noCache)
	if err != nil {
		return nil, err
	}
	return normalizeLegacy(ad, doc)
}

// fetchLegacyDoc fetches the raw legacy XML document for one resource.
func (c *Client) fetchLegacyDoc(ctx context.Context, op string, ad resourceAdapter, id int64, noCache bool) (*xmldoc.Element, error) {
	resp, err := c.doAuthenticated(ctx, op, request{
		method:  http.MethodGet,
		path:    fmt.Sprintf("%s/id/%d", ad.legacyPath, id),
		accept:  contentTypeXML,
		noCache: noCache,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.mset.ObserveRequest(string(api.GenerationLegacy), outcomeFor(resp.StatusCode))
		return nil, categorize(c.decodeError(resp, api.GenerationLegacy))
	}
	doc, err := xmldoc.Parse(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &TransientError{Generation: api.GenerationLegacy, Err: fmt.Errorf("decode response: %w", err)}
	}
	return doc, nil
}

func (c *Client) listModern(ctx context.Context, op string, ad resourceAdapter) ([]api.ListItem, error) {
	query := url.Values{}
	query.Set("page", "0")
	query.Set("page-size", "2000")
	resp, err := c.doAuthenticated(ctx, op, request{
		method: http.MethodGet,
		path:   ad.modernPath,
		query:  query,
		accept: contentTypeJSON,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.mset.ObserveRequest(string(api.GenerationModern), outcomeFor(resp.StatusCode))
		return nil, categorize(c.decodeError(resp, api.GenerationModern))
	}
	var payload struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &TransientError{Generation: api.GenerationModern, Err: fmt.Errorf("decode response: %w", err)}
	}
	items := make([]api.ListItem, 0, len(payload.Results))
	for _, entry := range payload.Results {
		id, ok := parseID(entry["id"])
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		items = append(items, api.ListItem{ID: id, Name: name})
	}
	return items, nil
}

func (c *Client) listLegacy(ctx context.Context, op string, ad resourceAdapter) ([]api.ListItem, error) {
	resp, err := c.doAuthenticated(ctx, op, request{
		method: http.MethodGet,
		path:   ad.legacyPath,
		accept: contentTypeXML,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.mset.ObserveRequest(string(api.GenerationLegacy), outcomeFor(resp.StatusCode))
		return nil, categorize(c.decodeError(resp, api.GenerationLegacy))
	}
	doc, err := xmldoc.Parse(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &TransientError{Generation: api.GenerationLegacy, Err: fmt.Errorf("decode response: %w", err)}
	}
	if doc.Name != ad.listTag {
		return nil, &TransientError{
			Generation: api.GenerationLegacy,
			Err:        fmt.Errorf("unexpected document root %q, want %q", doc.Name, ad.listTag),
		}
	}
	var items []api.ListItem
	for _, child := range doc.Children {
		if child.Name != ad.entryTag {
			continue
		}
		raw, ok := child.ScalarAt("id")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			continue
		}
		name, _ := child.ScalarAt("name")
		items = append(items, api.ListItem{ID: id, Name: name})
	}
	return items, nil
}

func (c *Client) deleteOn(ctx context.Context, op string, gen api.Generation, path string) error {
	resp, err := c.doAuthenticated(ctx, op, request{
		method: http.MethodDelete,
		path:   path,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	c.mset.ObserveRequest(string(gen), outcomeFor(resp.StatusCode))
	return categorize(c.decodeError(resp, gen))
}

// outcomeFor labels a non-2xx status for the request counter.
func outcomeFor(status int) string {
	switch {
	case status == http.StatusConflict:
		return "conflict"
	case status == http.StatusUnauthorized:
		return "auth"
	case status == http.StatusForbidden, status == http.StatusNotFound, status >= 500:
		return "transient"
	case status >= 400:
		return "validation"
	default:
		return "success"
	}
}

func filterByName(items []api.ListItem, filter string) []api.ListItem {
	if filter == "" {
		return items
	}
	needle := strings.ToLower(filter)
	matched := items[:0:0]
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Name), needle) {
			matched = append(matched, item)
		}
	}
	return matched
}

// normalizeLegacy converts a legacy XML document into the normalized shape.
// Leaves stay strings, repeated sibling elements become lists, and keys are
// translated through the adapter's field table at every depth.
func normalizeLegacy(ad resourceAdapter, doc *xmldoc.Element) (*api.Resource, error) {
	if doc.Name != ad.rootTag {
		return nil, &TransientError{
			Generation: api.GenerationLegacy,
			Err:        fmt.Errorf("unexpected document root %q, want %q", doc.Name, ad.rootTag),
		}
	}
	attrs, ok := legacyValue(ad, doc).(map[string]any)
	if !ok {
		attrs = map[string]any{}
	}
	res := &api.Resource{
		Kind:       ad.kind,
		Attributes: attrs,
		ServedBy:   api.GenerationLegacy,
	}
	if raw, ok := scalarLookup(attrs, "id"); ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			res.ID = id
		}
	}
	if raw, ok := scalarLookup(attrs, "name"); ok {
		res.Name = raw
	}
	return res, nil
}

// legacyValue converts one element subtree to its normalized value.
func legacyValue(ad resourceAdapter, el *xmldoc.Element) any {
	if len(el.Children) == 0 {
		return el.Text
	}
	counts := map[string]int{}
	for _, child := range el.Children {
		counts[child.Name]++
	}
	out := make(map[string]any, len(counts))
	for _, child := range el.Children {
		key := ad.normalizedKey(child.Name)
		if counts[child.Name] > 1 {
			list, _ := out[key].([]any)
			out[key] = append(list, legacyValue(ad, child))
			continue
		}
		out[key] = legacyValue(ad, child)
	}
	return out
}

// scalarLookup resolves the value of key either at the top level or inside
// the general block, as string. Legacy documents place identity fields in
// either location depending on the resource family.
func scalarLookup(attrs map[string]any, key string) (string, bool) {
	if raw, ok := attrs[key].(string); ok {
		return raw, true
	}
	if general, ok := attrs["general"].(map[string]any); ok {
		if raw, ok := general[key].(string); ok {
			return raw, true
		}
	}
	return "", false
}

// normalizeModern converts a modern JSON payload into the normalized shape.
// Modern keys are already camelCase and pass straight through.
func normalizeModern(ad resourceAdapter, payload map[string]any) (*api.Resource, error) {
	res := &api.Resource{
		Kind:       ad.kind,
		Attributes: payload,
		ServedBy:   api.GenerationModern,
	}
	id, ok := parseID(payload["id"])
	if !ok {
		return nil, &TransientError{
			Generation: api.GenerationModern,
			Err:        errors.New("response missing resource id"),
		}
	}
	res.ID = id
	if name, ok := payload["name"].(string); ok {
		res.Name = name
	}
	return res, nil
}

// parseID accepts the numeric and string encodings both generations use for
// identifiers.
func parseID(v any) (int64, bool) {
	switch val := v.(type) {
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return id, err == nil
	case float64:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	default:
		return 0, false
	}
}

// sortedKeys returns the map keys in deterministic order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
