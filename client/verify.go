package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/leben-philippka/jamfbridge/api"
	"github.com/leben-philippka/jamfbridge/xmldoc"
)

// VerifyConfig bounds the post-write verification loop. Writes on this
// platform are eventually consistent: a 2xx acknowledgement does not
// guarantee the next read observes the new values, so every successful write
// is followed by cache-bypassing re-reads until the requested fields are
// observed or the read budget is spent.
type VerifyConfig struct {
	// Attempts caps how many verification reads are issued per write.
	Attempts int
	// Delay is the pause between verification reads.
	Delay time.Duration
	// ConsecutiveReads is how many matching reads in a row count as
	// confirmed. A mismatching read resets the streak.
	ConsecutiveReads int
	// Strict additionally cross-checks the raw legacy document after the
	// normalized reads confirm, guarding against lossy normalization.
	Strict bool
}

func (cfg VerifyConfig) withDefaults() VerifyConfig {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 2 * time.Second
	}
	if cfg.ConsecutiveReads <= 0 {
		cfg.ConsecutiveReads = 1
	}
	return cfg
}

// routeUpdate applies a partial update, preferring the modern generation and
// falling back to the legacy merged-document flow, then verifies persistence.
// Update keys use the legacy snake_case field names at any nesting depth.
func (c *Client) routeUpdate(ctx context.Context, op string, ad resourceAdapter, id int64, update xmldoc.Update) (*api.Resource, error) {
	if c.readOnly {
		return nil, wrapOp(op, id, ErrReadOnlyMode)
	}
	if len(update) == 0 {
		return nil, wrapOp(op, id, &ValidationError{Err: errors.New("empty update")})
	}
	written := false
	if ad.modernPath != "" {
		err := c.updateModern(ctx, op, ad, id, update)
		if err == nil {
			c.mset.ObserveRequest(string(api.GenerationModern), "success")
			written = true
		} else if !fallbackEligible(err) {
			return nil, wrapOp(op, id, err)
		} else {
			c.logWarnCtx(ctx, "client.route.fallback", "op", op, "kind", string(ad.kind), "id", id, "error", err)
			c.mset.ObserveFallback()
		}
	}
	if !written {
		if err := c.updateLegacy(ctx, op, ad, id, update); err != nil {
			return nil, wrapOp(op, id, err)
		}
		c.mset.ObserveRequest(string(api.GenerationLegacy), "success")
	}
	res, err := c.verifyWrite(ctx, op, ad, id, update)
	if err != nil {
		return nil, wrapOp(op, id, err)
	}
	return res, nil
}

// routeCreate creates a resource, preferring the modern generation, then
// verifies the new resource is readable with the requested fields.
func (c *Client) routeCreate(ctx context.Context, op string, ad resourceAdapter, attrs xmldoc.Update) (*api.Resource, error) {
	if c.readOnly {
		return nil, wrapOp(op, 0, ErrReadOnlyMode)
	}
	if len(attrs) == 0 {
		return nil, wrapOp(op, 0, &ValidationError{Err: errors.New("empty resource body")})
	}
	var (
		id  int64
		err error
	)
	created := false
	if ad.modernPath != "" {
		id, err = c.createModern(ctx, op, ad, attrs)
		if err == nil {
			c.mset.ObserveRequest(string(api.GenerationModern), "success")
			created = true
		} else if !fallbackEligible(err) {
			return nil, wrapOp(op, 0, err)
		} else {
			c.logWarnCtx(ctx, "client.route.fallback", "op", op, "kind", string(ad.kind), "error", err)
			c.mset.ObserveFallback()
		}
	}
	if !created {
		id, err = c.createLegacy(ctx, op, ad, attrs)
		if err != nil {
			return nil, wrapOp(op, 0, err)
		}
		c.mset.ObserveRequest(string(api.GenerationLegacy), "success")
	}
	res, err := c.verifyWrite(ctx, op, ad, id, attrs)
	if err != nil {
		return nil, wrapOp(op, id, err)
	}
	return res, nil
}

// updateModern submits the update as JSON. Conflicted submissions are
// retried with the same body; the server rejects overlapping writers with
// 409 rather than locking.
func (c *Client) updateModern(ctx context.Context, op string, ad resourceAdapter, id int64, update xmldoc.Update) error {
	body, err := json.Marshal(translateKeys(ad, update))
	if err != nil {
		return &ValidationError{Generation: api.GenerationModern, Err: err}
	}
	var lastConflict error
	for attempt := 1; attempt <= c.conflictRetries; attempt++ {
		if attempt > 1 {
			c.logDebugCtx(ctx, "client.write.conflict_retry", "op", op, "id", id, "attempt", attempt)
			if err := c.sleep(ctx, c.conflictDelay); err != nil {
				return err
			}
		}
		resp, err := c.doAuthenticated(ctx, op, request{
			method:      http.MethodPatch,
			path:        fmt.Sprintf("%s/%d", ad.modernPath, id),
			body:        body,
			contentType: contentTypeJSON,
			accept:      contentTypeJSON,
		})
		if err != nil {
			return err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			drainBody(resp)
			return nil
		}
		c.mset.ObserveRequest(string(api.GenerationModern), outcomeFor(resp.StatusCode))
		catErr := categorize(c.decodeError(resp, api.GenerationModern))
		var conflict *ConflictError
		if !errors.As(catErr, &conflict) {
			return catErr
		}
		lastConflict = conflict.Err
	}
	return &ConflictError{Attempts: c.conflictRetries, Err: lastConflict}
}

// updateLegacy is the merged-document flow: fetch the current XML document,
// merge the update into it preserving every untouched field byte-for-byte,
// and submit the whole document back. A 409 re-runs the fetch and merge so
// the retry applies on top of the competing writer's result.
func (c *Client) updateLegacy(ctx context.Context, op string, ad resourceAdapter, id int64, update xmldoc.Update) error {
	var lastConflict error
	for attempt := 1; attempt <= c.conflictRetries; attempt++ {
		if attempt > 1 {
			c.logDebugCtx(ctx, "client.write.conflict_retry", "op", op, "id", id, "attempt", attempt)
			if err := c.sleep(ctx, c.conflictDelay); err != nil {
				return err
			}
		}
		doc, err := c.fetchLegacyDoc(ctx, op, ad, id, true)
		if err != nil {
			return err
		}
		merged, err := xmldoc.Merge(doc, update, ad.mergeOptions())
		if err != nil {
			return &ValidationError{Generation: api.GenerationLegacy, Err: err}
		}
		resp, err := c.doAuthenticated(ctx, op, request{
			method:      http.MethodPut,
			path:        fmt.Sprintf("%s/id/%d", ad.legacyPath, id),
			body:        merged.Bytes(),
			contentType: contentTypeXML,
			accept:      contentTypeXML,
		})
		if err != nil {
			return err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			drainBody(resp)
			return nil
		}
		c.mset.ObserveRequest(string(api.GenerationLegacy), outcomeFor(resp.StatusCode))
		catErr := categorize(c.decodeError(resp, api.GenerationLegacy))
		var conflict *ConflictError
		if !errors.As(catErr, &conflict) {
			return catErr
		}
		lastConflict = conflict.Err
	}
	return &ConflictError{Attempts: c.conflictRetries, Err: lastConflict}
}

func (c *Client) createModern(ctx context.Context, op string, ad resourceAdapter, attrs xmldoc.Update) (int64, error) {
	body, err := json.Marshal(translateKeys(ad, attrs))
	if err != nil {
		return 0, &ValidationError{Generation: api.GenerationModern, Err: err}
	}
	resp, err := c.doAuthenticated(ctx, op, request{
		method:      http.MethodPost,
		path:        ad.modernPath,
		body:        body,
		contentType: contentTypeJSON,
		accept:      contentTypeJSON,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		c.mset.ObserveRequest(string(api.GenerationModern), outcomeFor(resp.StatusCode))
		return 0, categorize(c.decodeError(resp, api.GenerationModern))
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, &TransientError{Generation: api.GenerationModern, Err: fmt.Errorf("decode response: %w", err)}
	}
	id, ok := parseID(payload["id"])
	if !ok {
		return 0, &TransientError{Generation: api.GenerationModern, Err: errors.New("create response missing id")}
	}
	return id, nil
}

func (c *Client) createLegacy(ctx context.Context, op string, ad resourceAdapter, attrs xmldoc.Update) (int64, error) {
	doc, err := xmldoc.Merge(&xmldoc.Element{Name: ad.rootTag}, attrs, ad.mergeOptions())
	if err != nil {
		return 0, &ValidationError{Generation: api.GenerationLegacy, Err: err}
	}
	resp, err := c.doAuthenticated(ctx, op, request{
		method:      http.MethodPost,
		path:        ad.legacyPath + "/id/0",
		body:        doc.Bytes(),
		contentType: contentTypeXML,
		accept:      contentTypeXML,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		c.mset.ObserveRequest(string(api.GenerationLegacy), outcomeFor(resp.StatusCode))
		return 0, categorize(c.decodeError(resp, api.GenerationLegacy))
	}
	reply, err := xmldoc.Parse(resp.Body)
	if err != nil {
		return 0, &TransientError{Generation: api.GenerationLegacy, Err: fmt.Errorf("decode response: %w", err)}
	}
	raw, ok := reply.ScalarAt("id")
	if !ok {
		return 0, &TransientError{Generation: api.GenerationLegacy, Err: errors.New("create response missing id")}
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, &TransientError{Generation: api.GenerationLegacy, Err: fmt.Errorf("create response id: %w", err)}
	}
	return id, nil
}

// verifyWrite re-reads the resource with cache bypass until the written
// fields are observed for the configured number of consecutive reads, or the
// read budget is exhausted. Reads go to the legacy generation, whose coverage
// is complete for every kind.
func (c *Client) verifyWrite(ctx context.Context, op string, ad resourceAdapter, id int64, update xmldoc.Update) (*api.Resource, error) {
	flat := flattenUpdate(update)
	fields := sortedFlatKeys(flat)
	cfg := c.verify
	consecutive := 0
	reads := 0
	var confirmed *api.Resource
	for reads < cfg.Attempts {
		if reads > 0 {
			if err := c.sleep(ctx, cfg.Delay); err != nil {
				c.mset.ObserveVerifyReads(reads)
				return nil, err
			}
		}
		reads++
		res, err := c.readLegacy(ctx, op, ad, id, true)
		if err != nil {
			c.logDebugCtx(ctx, "client.verify.read_error", "op", op, "id", id, "read", reads, "error", err)
			consecutive = 0
			continue
		}
		if mismatch := firstMismatch(ad, res.Attributes, flat); mismatch != "" {
			c.logTraceCtx(ctx, "client.verify.pending", "op", op, "id", id, "read", reads, "field", mismatch)
			consecutive = 0
			continue
		}
		consecutive++
		confirmed = res
		if consecutive >= cfg.ConsecutiveReads {
			break
		}
	}
	if consecutive < cfg.ConsecutiveReads {
		c.mset.ObserveVerifyReads(reads)
		return nil, &VerificationError{
			Kind:     ad.kind,
			ID:       id,
			Fields:   fields,
			Attempts: reads,
			Reason:   "read budget exhausted before fields were observed",
		}
	}
	if cfg.Strict {
		if err := c.strictCrossCheck(ctx, op, ad, id, flat); err != nil {
			c.mset.ObserveVerifyReads(reads + 1)
			return nil, err
		}
		reads++
	}
	c.mset.ObserveVerifyReads(reads)
	c.logDebugCtx(ctx, "client.verify.confirmed", "op", op, "id", id, "reads", reads)
	return confirmed, nil
}

// strictCrossCheck fetches the raw legacy document one more time and compares
// the written paths against it directly, without normalization in between.
// Replaced lists are compared entry by entry against the container subtree.
func (c *Client) strictCrossCheck(ctx context.Context, op string, ad resourceAdapter, id int64, flat map[string]any) error {
	doc, err := c.fetchLegacyDoc(ctx, op, ad, id, true)
	if err != nil {
		return err
	}
	for _, key := range sortedFlatKeys(flat) {
		want := flat[key]
		path := strings.Split(key, ".")
		if wantList, isList := want.([]any); isList {
			var observed any
			if node := doc.Find(path...); node != nil {
				entries := make([]any, 0, len(node.Children))
				for _, child := range node.Children {
					entries = append(entries, legacyValue(ad, child))
				}
				observed = entries
			}
			if !valueMatches(ad, wantList, observed) {
				return &VerificationError{
					Kind:     ad.kind,
					ID:       id,
					Fields:   []string{key},
					Attempts: 1,
					Reason:   "source document disagrees with normalized read",
				}
			}
			continue
		}
		raw, ok := doc.ScalarAt(path...)
		if want == nil {
			if ok && raw != "" {
				return &VerificationError{
					Kind:     ad.kind,
					ID:       id,
					Fields:   []string{key},
					Attempts: 1,
					Reason:   "cleared field still present in source document",
				}
			}
			continue
		}
		if !ok || !looseEqual(want, raw) {
			return &VerificationError{
				Kind:     ad.kind,
				ID:       id,
				Fields:   []string{key},
				Attempts: 1,
				Reason:   "source document disagrees with normalized read",
			}
		}
	}
	return nil
}

// translateKeys renames update keys from their legacy snake_case form into
// the modern camelCase names before a JSON submission, recursing through
// nested maps. Keys without a declared translation pass through unchanged.
func translateKeys(ad resourceAdapter, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for key, value := range m {
		if nested, ok := value.(map[string]any); ok {
			out[ad.normalizedKey(key)] = translateKeys(ad, nested)
			continue
		}
		out[ad.normalizedKey(key)] = value
	}
	return out
}

// flattenUpdate flattens nested update maps into dot-joined legacy paths.
// List values stay whole; they are compared element-wise.
func flattenUpdate(update map[string]any) map[string]any {
	flat := map[string]any{}
	flattenInto(flat, "", update)
	return flat
}

func flattenInto(flat map[string]any, prefix string, m map[string]any) {
	for _, key := range sortedKeys(m) {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := m[key].(map[string]any); ok {
			flattenInto(flat, full, nested)
			continue
		}
		flat[full] = m[key]
	}
}

func sortedFlatKeys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// firstMismatch returns the first written path whose value the normalized
// attributes do not reflect, or "" when everything matches. Path segments
// are translated through the adapter's field table before lookup.
func firstMismatch(ad resourceAdapter, attrs map[string]any, flat map[string]any) string {
	for _, key := range sortedFlatKeys(flat) {
		want := flat[key]
		got, present := lookupPath(ad, attrs, strings.Split(key, "."))
		if want == nil {
			if present && !isEmptyValue(got) {
				return key
			}
			continue
		}
		if wantList, ok := want.([]any); ok {
			if !present {
				if len(wantList) == 0 {
					continue
				}
				return key
			}
			if !valueMatches(ad, wantList, got) {
				return key
			}
			continue
		}
		if !present || !looseEqual(want, got) {
			return key
		}
	}
	return ""
}

// valueMatches compares one written value against its observed counterpart.
// Lists compare element-wise in order, scalars through looseEqual, and maps
// key by key with normalized-name translation; an explicit nil requires the
// observed field to be absent or empty.
func valueMatches(ad resourceAdapter, want, got any) bool {
	switch w := want.(type) {
	case nil:
		return isEmptyValue(got)
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok {
			return false
		}
		for _, key := range sortedKeys(w) {
			gv, present := g[ad.normalizedKey(key)]
			if !present {
				gv, present = g[key]
			}
			if !present {
				if w[key] == nil {
					continue
				}
				return false
			}
			if !valueMatches(ad, w[key], gv) {
				return false
			}
		}
		return true
	case []any:
		entries, ok := listEntries(got)
		if !ok {
			return len(w) == 0 && isEmptyValue(got)
		}
		if len(entries) != len(w) {
			return false
		}
		for i := range w {
			if !valueMatches(ad, w[i], entries[i]) {
				return false
			}
		}
		return true
	default:
		return looseEqual(want, got)
	}
}

// listEntries extracts the entry slice from the shapes a replaced list takes
// after a read: the entries directly, a container map whose single key holds
// the repeated entries, or a lone value when a single-entry list collapsed.
func listEntries(got any) ([]any, bool) {
	switch g := got.(type) {
	case nil:
		return nil, false
	case []any:
		return g, true
	case map[string]any:
		if len(g) != 1 {
			return nil, false
		}
		for _, v := range g {
			if list, ok := v.([]any); ok {
				return list, true
			}
			return []any{v}, true
		}
		return nil, false
	case string:
		if g == "" {
			return nil, true
		}
		return []any{g}, true
	default:
		return []any{g}, true
	}
}

func lookupPath(ad resourceAdapter, attrs map[string]any, path []string) (any, bool) {
	var current any = attrs
	for _, segment := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok := node[ad.normalizedKey(segment)]
		if !ok {
			value, ok = node[segment]
			if !ok {
				return nil, false
			}
		}
		current = value
	}
	return current, true
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// looseEqual compares a written value against an observed one across the
// representation differences between generations: booleans and numbers may
// come back as strings from the XML side, so both sides are canonicalized
// before comparing. Representation alone never counts as a mismatch.
func looseEqual(want, got any) bool {
	if wb, ok := asBool(want); ok {
		if gb, ok := asBool(got); ok {
			return wb == gb
		}
		return false
	}
	if wf, ok := asFloat(want); ok {
		if gf, ok := asFloat(got); ok {
			return wf == gf
		}
		return false
	}
	return scalarString(want) == scalarString(got)
}

func asBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
