package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/leben-philippka/jamfbridge/xmldoc"
)

const labPolicyDoc = `<policy><general><id>12</id><name>Patch Tuesday</name><enabled>true</enabled><notes>Tools &amp; Utilities</notes></general><scope><all_computers>false</all_computers></scope></policy>`

// policyFixture serves a mutable legacy policy document and records writes.
type policyFixture struct {
	doc          *xmldoc.Element
	puts         int
	verifyReads  int
	conflictPuts int
	putBodies    []string
}

func newPolicyFixture(t *testing.T) *policyFixture {
	t.Helper()
	doc, err := xmldoc.ParseBytes([]byte(labPolicyDoc))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return &policyFixture{doc: doc}
}

func (f *policyFixture) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/JSSResource/policies/id/12") {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			if r.Header.Get("Cache-Control") == "no-cache" {
				f.verifyReads++
			}
			writeXML(w, http.StatusOK, f.doc.String())
		case http.MethodPut:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				t.Errorf("read put body: %v", err)
				http.Error(w, "read failed", http.StatusInternalServerError)
				return
			}
			if f.conflictPuts > 0 {
				f.conflictPuts--
				http.Error(w, "competing writer", http.StatusConflict)
				return
			}
			doc, err := xmldoc.ParseBytes(body)
			if err != nil {
				http.Error(w, "bad xml", http.StatusBadRequest)
				return
			}
			f.puts++
			f.putBodies = append(f.putBodies, string(body))
			f.doc = doc
			writeXML(w, http.StatusCreated, `<policy><id>12</id></policy>`)
		default:
			http.NotFound(w, r)
		}
	}
}

func TestUpdatePolicyMergesAndVerifies(t *testing.T) {
	f := newPolicyFixture(t)
	p := newFakePlatform(t, f.handler(t))
	c := p.newClient(t)

	res, err := c.UpdatePolicy(context.Background(), 12, xmldoc.Update{
		"general": map[string]any{"enabled": false},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if f.puts != 1 {
		t.Fatalf("expected one submission, got %d", f.puts)
	}
	if f.verifyReads < 1 {
		t.Fatalf("expected at least one cache-bypassing verification read")
	}
	general := res.Attributes["general"].(map[string]any)
	if general["enabled"] != "false" {
		t.Fatalf("expected verified resource to carry the new value, got %v", general["enabled"])
	}

	body := f.putBodies[0]
	if !strings.Contains(body, "<name>Patch Tuesday</name>") {
		t.Fatalf("untouched field must survive the merge, body %s", body)
	}
	if !strings.Contains(body, "<notes>Tools &amp; Utilities</notes>") {
		t.Fatalf("escaped entity must survive without double escaping, body %s", body)
	}
	if strings.Contains(body, "&amp;amp;") {
		t.Fatalf("double-escaped entity in submitted document: %s", body)
	}
}

func TestUpdateVerificationWaitsOutEventualConsistency(t *testing.T) {
	f := newPolicyFixture(t)
	stale, err := xmldoc.ParseBytes([]byte(labPolicyDoc))
	if err != nil {
		t.Fatalf("parse stale doc: %v", err)
	}
	inner := f.handler(t)
	reads := 0
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		// The first two post-write reads observe the pre-write document.
		if r.Method == http.MethodGet && r.Header.Get("Cache-Control") == "no-cache" && f.puts > 0 {
			reads++
			if reads <= 2 {
				writeXML(w, http.StatusOK, stale.String())
				return
			}
		}
		inner(w, r)
	})
	c := p.newClient(t)

	res, err := c.UpdatePolicy(context.Background(), 12, xmldoc.Update{
		"general": map[string]any{"enabled": false},
	})
	if err != nil {
		t.Fatalf("update should succeed on the third verification read: %v", err)
	}
	if reads != 3 {
		t.Fatalf("expected exactly 3 verification reads, got %d", reads)
	}
	general := res.Attributes["general"].(map[string]any)
	if general["enabled"] != "false" {
		t.Fatalf("expected confirmed value, got %v", general["enabled"])
	}
}

func TestUpdateVerificationExhaustsReadBudget(t *testing.T) {
	f := newPolicyFixture(t)
	stale, err := xmldoc.ParseBytes([]byte(labPolicyDoc))
	if err != nil {
		t.Fatalf("parse stale doc: %v", err)
	}
	inner := f.handler(t)
	reads := 0
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Cache-Control") == "no-cache" && f.puts > 0 {
			reads++
			writeXML(w, http.StatusOK, stale.String())
			return
		}
		inner(w, r)
	})
	c := p.newClient(t)

	_, err = c.UpdatePolicy(context.Background(), 12, xmldoc.Update{
		"general": map[string]any{"enabled": false},
	})
	var verification *VerificationError
	if !errors.As(err, &verification) {
		t.Fatalf("expected VerificationError, got %v", err)
	}
	if verification.Attempts != 3 {
		t.Fatalf("expected the configured 3 reads, got %d", verification.Attempts)
	}
	if len(verification.Fields) != 1 || verification.Fields[0] != "general.enabled" {
		t.Fatalf("unexpected fields %v", verification.Fields)
	}
	if reads != 3 {
		t.Fatalf("expected exactly 3 reads issued, got %d", reads)
	}
}

func TestUpdateRetriesConflictThenSucceeds(t *testing.T) {
	f := newPolicyFixture(t)
	f.conflictPuts = 1
	p := newFakePlatform(t, f.handler(t))
	c := p.newClient(t)

	if _, err := c.UpdatePolicy(context.Background(), 12, xmldoc.Update{
		"general": map[string]any{"enabled": false},
	}); err != nil {
		t.Fatalf("update with one conflict: %v", err)
	}
	if f.puts != 1 {
		t.Fatalf("expected the retried submission to land once, got %d", f.puts)
	}
}

func TestUpdateConflictExhaustionSurfacesConflictError(t *testing.T) {
	f := newPolicyFixture(t)
	f.conflictPuts = 99
	p := newFakePlatform(t, f.handler(t))
	c := p.newClient(t)

	_, err := c.UpdatePolicy(context.Background(), 12, xmldoc.Update{
		"general": map[string]any{"enabled": false},
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Attempts != 3 {
		t.Fatalf("expected 3 submissions before giving up, got %d", conflict.Attempts)
	}
}

func TestReadOnlyModeFailsBeforeNetwork(t *testing.T) {
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("read-only client must not reach the platform, got %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	})
	c := p.newClient(t, WithReadOnly(true))

	if _, err := c.UpdatePolicy(context.Background(), 12, xmldoc.Update{"general": map[string]any{"enabled": false}}); !errors.Is(err, ErrReadOnlyMode) {
		t.Fatalf("update: expected ErrReadOnlyMode, got %v", err)
	}
	if _, err := c.CreatePolicy(context.Background(), xmldoc.Update{"name": "x"}); !errors.Is(err, ErrReadOnlyMode) {
		t.Fatalf("create: expected ErrReadOnlyMode, got %v", err)
	}
	if err := c.DeletePolicy(context.Background(), 12); !errors.Is(err, ErrReadOnlyMode) {
		t.Fatalf("delete: expected ErrReadOnlyMode, got %v", err)
	}
	if p.requests.Load() != 0 {
		t.Fatalf("expected zero resource requests, got %d", p.requests.Load())
	}
}

func TestCreatePolicyViaLegacyParsesAssignedID(t *testing.T) {
	created := false
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/JSSResource/policies/id/0":
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), "<name>Fresh Policy</name>") {
				t.Errorf("create body missing name element: %s", body)
			}
			created = true
			writeXML(w, http.StatusCreated, `<policy><id>77</id></policy>`)
		case r.Method == http.MethodGet && r.URL.Path == "/JSSResource/policies/id/77":
			writeXML(w, http.StatusOK, `<policy><general><id>77</id><name>Fresh Policy</name></general><name>Fresh Policy</name></policy>`)
		default:
			http.NotFound(w, r)
		}
	})
	c := p.newClient(t)

	res, err := c.CreatePolicy(context.Background(), xmldoc.Update{"name": "Fresh Policy"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("legacy create endpoint was not called")
	}
	if res.ID != 77 {
		t.Fatalf("expected platform-assigned id 77, got %d", res.ID)
	}
}

func TestStrictVerificationCrossChecksRawDocument(t *testing.T) {
	f := newPolicyFixture(t)
	p := newFakePlatform(t, f.handler(t))
	c := p.newClient(t, WithVerification(VerifyConfig{Attempts: 3, Delay: 1, ConsecutiveReads: 1, Strict: true}))

	if _, err := c.UpdatePolicy(context.Background(), 12, xmldoc.Update{
		"general": map[string]any{"enabled": false},
	}); err != nil {
		t.Fatalf("strict update against a consistent backend: %v", err)
	}
	// One merge fetch, one verification read, one strict cross-check.
	if f.verifyReads < 2 {
		t.Fatalf("strict mode should issue an extra raw read, saw %d no-cache reads", f.verifyReads)
	}
}

func TestConsecutiveReadsRequireAStreak(t *testing.T) {
	f := newPolicyFixture(t)
	stale, err := xmldoc.ParseBytes([]byte(labPolicyDoc))
	if err != nil {
		t.Fatalf("parse stale doc: %v", err)
	}
	inner := f.handler(t)
	reads := 0
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Cache-Control") == "no-cache" && f.puts > 0 {
			reads++
			// Read 2 regresses to the stale document, breaking the streak.
			if reads == 2 {
				writeXML(w, http.StatusOK, stale.String())
				return
			}
		}
		inner(w, r)
	})
	c := p.newClient(t, WithVerification(VerifyConfig{Attempts: 5, Delay: 1, ConsecutiveReads: 2}))

	if _, err := c.UpdatePolicy(context.Background(), 12, xmldoc.Update{
		"general": map[string]any{"enabled": false},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if reads != 4 {
		t.Fatalf("streak of 2 after a regression needs 4 reads, got %d", reads)
	}
}

func TestVerificationConfirmsListContentsElementWise(t *testing.T) {
	f := newPolicyFixture(t)
	p := newFakePlatform(t, f.handler(t))
	c := p.newClient(t)

	res, err := c.UpdatePolicy(context.Background(), 12, xmldoc.Update{
		"scope": map[string]any{
			"computers": []any{
				map[string]any{"id": int64(101)},
				map[string]any{"id": int64(102)},
			},
		},
	})
	if err != nil {
		t.Fatalf("update with a replaced list: %v", err)
	}
	scope := res.Attributes["scope"].(map[string]any)
	computers := scope["computers"].(map[string]any)
	entries := computers["computer"].([]any)
	if len(entries) != 2 {
		t.Fatalf("expected 2 list entries in the confirmed resource, got %v", computers)
	}
}

func TestVerificationRejectsListWithSameLengthDifferentEntries(t *testing.T) {
	f := newPolicyFixture(t)
	// Same entry count as the write, entirely different members.
	stale, err := xmldoc.ParseBytes([]byte(`<policy><general><id>12</id><name>Patch Tuesday</name><enabled>true</enabled></general><scope><all_computers>false</all_computers><computers><computer><id>98</id></computer><computer><id>99</id></computer></computers></scope></policy>`))
	if err != nil {
		t.Fatalf("parse stale doc: %v", err)
	}
	inner := f.handler(t)
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Cache-Control") == "no-cache" && f.puts > 0 {
			writeXML(w, http.StatusOK, stale.String())
			return
		}
		inner(w, r)
	})
	c := p.newClient(t)

	_, err = c.UpdatePolicy(context.Background(), 12, xmldoc.Update{
		"scope": map[string]any{
			"computers": []any{
				map[string]any{"id": int64(101)},
				map[string]any{"id": int64(102)},
			},
		},
	})
	var verification *VerificationError
	if !errors.As(err, &verification) {
		t.Fatalf("a list with the right length but wrong members must not verify, got %v", err)
	}
	if len(verification.Fields) != 1 || verification.Fields[0] != "scope.computers" {
		t.Fatalf("unexpected fields %v", verification.Fields)
	}
}

func TestStrictVerificationChecksListsAgainstRawDocument(t *testing.T) {
	f := newPolicyFixture(t)
	tampered, err := xmldoc.ParseBytes([]byte(`<policy><general><id>12</id><name>Patch Tuesday</name><enabled>true</enabled></general><scope><all_computers>false</all_computers><computers><computer><id>98</id></computer><computer><id>99</id></computer></computers></scope></policy>`))
	if err != nil {
		t.Fatalf("parse tampered doc: %v", err)
	}
	inner := f.handler(t)
	reads := 0
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.Header.Get("Cache-Control") == "no-cache" && f.puts > 0 {
			reads++
			// Read 1 confirms the normalized value; read 2 is the strict
			// source fetch and observes a diverged list.
			if reads == 2 {
				writeXML(w, http.StatusOK, tampered.String())
				return
			}
		}
		inner(w, r)
	})
	c := p.newClient(t, WithVerification(VerifyConfig{Attempts: 3, Delay: 1, ConsecutiveReads: 1, Strict: true}))

	_, err = c.UpdatePolicy(context.Background(), 12, xmldoc.Update{
		"scope": map[string]any{
			"computers": []any{
				map[string]any{"id": int64(101)},
				map[string]any{"id": int64(102)},
			},
		},
	})
	var verification *VerificationError
	if !errors.As(err, &verification) {
		t.Fatalf("strict mode must reject a diverged source list, got %v", err)
	}
	if !strings.Contains(verification.Reason, "source document") {
		t.Fatalf("unexpected reason %q", verification.Reason)
	}
}

func TestValueMatchesListShapes(t *testing.T) {
	ad := policyAdapter
	cases := []struct {
		name  string
		want  any
		got   any
		match bool
	}{
		{"same entries", []any{map[string]any{"id": int64(1)}}, map[string]any{"computer": map[string]any{"id": "1"}}, true},
		{"different member", []any{map[string]any{"id": int64(1)}}, map[string]any{"computer": map[string]any{"id": "2"}}, false},
		{"same length different members", []any{"a", "b"}, []any{"a", "c"}, false},
		{"order sensitive", []any{"a", "b"}, []any{"b", "a"}, false},
		{"empty clears", []any{}, "", true},
		{"scalar entries loose", []any{int64(5)}, []any{"5"}, true},
	}
	for _, tc := range cases {
		if got := valueMatches(ad, tc.want, tc.got); got != tc.match {
			t.Fatalf("%s: valueMatches = %v, want %v", tc.name, got, tc.match)
		}
	}
}

func TestLooseEqualToleratesRepresentationDifferences(t *testing.T) {
	cases := []struct {
		want  any
		got   any
		equal bool
	}{
		{true, "true", true},
		{false, "False", true},
		{true, "false", false},
		{int64(30), "30", true},
		{4.5, "4.50", true},
		{"09:00", "09:00", true},
		{"09:00", "9:00", false},
		{int64(30), "31", false},
	}
	for _, tc := range cases {
		if got := looseEqual(tc.want, tc.got); got != tc.equal {
			t.Fatalf("looseEqual(%v, %v) = %v, want %v", tc.want, tc.got, got, tc.equal)
		}
	}
}

func TestFlattenUpdatePaths(t *testing.T) {
	flat := flattenUpdate(map[string]any{
		"general": map[string]any{
			"enabled": false,
			"date_time_limitations": map[string]any{
				"no_execute_start": "09:00",
			},
		},
		"name": "x",
	})
	if len(flat) != 3 {
		t.Fatalf("expected 3 leaf paths, got %d: %v", len(flat), flat)
	}
	if flat["general.date_time_limitations.no_execute_start"] != "09:00" {
		t.Fatalf("missing nested path, got %v", flat)
	}
	if flat["general.enabled"] != false {
		t.Fatalf("missing boolean leaf, got %v", flat)
	}
}
