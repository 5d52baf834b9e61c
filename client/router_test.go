package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/leben-philippka/jamfbridge/api"
	"github.com/leben-philippka/jamfbridge/xmldoc"
)

func TestGetPolicyRoutesStraightToLegacy(t *testing.T) {
	var modernCalls, legacyCalls int
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/"):
			modernCalls++
			http.NotFound(w, r)
		case r.URL.Path == "/JSSResource/policies/id/12":
			legacyCalls++
			writeXML(w, http.StatusOK, `<policy><general><id>12</id><name>Patch Tuesday</name><enabled>true</enabled></general></policy>`)
		default:
			http.NotFound(w, r)
		}
	})
	c := p.newClient(t)

	res, err := c.GetPolicy(context.Background(), 12)
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if modernCalls != 0 {
		t.Fatalf("policies have no modern coverage, saw %d modern calls", modernCalls)
	}
	if legacyCalls != 1 {
		t.Fatalf("expected one legacy call, got %d", legacyCalls)
	}
	if res.ServedBy != api.GenerationLegacy {
		t.Fatalf("expected legacy generation, got %s", res.ServedBy)
	}
	if res.ID != 12 || res.Name != "Patch Tuesday" {
		t.Fatalf("unexpected resource identity %+v", res)
	}
	general, ok := res.Attributes["general"].(map[string]any)
	if !ok {
		t.Fatalf("expected general block, got %T", res.Attributes["general"])
	}
	if general["enabled"] != "true" {
		t.Fatalf("expected enabled leaf, got %v", general["enabled"])
	}
}

func TestGetComputerGroupFallsBackOn404(t *testing.T) {
	var modernCalls, legacyCalls int
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/computer-groups/3":
			modernCalls++
			writeJSON(w, http.StatusNotFound, map[string]any{
				"httpStatus": 404,
				"errors":     []map[string]any{{"code": "NOT_FOUND", "description": "no modern projection"}},
			})
		case "/JSSResource/computergroups/id/3":
			legacyCalls++
			writeXML(w, http.StatusOK, `<computer_group><id>3</id><name>Kiosks</name><is_smart>true</is_smart></computer_group>`)
		default:
			http.NotFound(w, r)
		}
	})
	c := p.newClient(t)

	res, err := c.GetComputerGroup(context.Background(), 3)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if modernCalls != 1 || legacyCalls != 1 {
		t.Fatalf("expected one modern then one legacy call, got %d/%d", modernCalls, legacyCalls)
	}
	if res.ServedBy != api.GenerationLegacy {
		t.Fatalf("expected legacy to serve after fallback, got %s", res.ServedBy)
	}
	if res.Attributes["isSmart"] != "true" {
		t.Fatalf("expected translated isSmart key, got %v", res.Attributes)
	}
}

func TestModernValidationErrorDoesNotFallBack(t *testing.T) {
	var legacyCalls int
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/v1/computer-groups"):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"httpStatus": 400,
				"errors":     []map[string]any{{"code": "INVALID", "description": "malformed id"}},
			})
		default:
			legacyCalls++
			http.NotFound(w, r)
		}
	})
	c := p.newClient(t)

	_, err := c.GetComputerGroup(context.Background(), 3)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if legacyCalls != 0 {
		t.Fatalf("validation rejections must not fall back, saw %d legacy calls", legacyCalls)
	}
}

func TestModern5xxFallsBackToLegacy(t *testing.T) {
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/packages/8":
			http.Error(w, "upstream maintenance", http.StatusServiceUnavailable)
		case "/JSSResource/packages/id/8":
			writeXML(w, http.StatusOK, `<package><id>8</id><name>Office.pkg</name><reboot_required>false</reboot_required></package>`)
		default:
			http.NotFound(w, r)
		}
	})
	c := p.newClient(t)

	res, err := c.GetPackage(context.Background(), 8)
	if err != nil {
		t.Fatalf("get package: %v", err)
	}
	if res.ServedBy != api.GenerationLegacy {
		t.Fatalf("expected legacy fallback on 5xx, got %s", res.ServedBy)
	}
	if res.Attributes["rebootRequired"] != "false" {
		t.Fatalf("expected rebootRequired leaf, got %v", res.Attributes)
	}
}

func TestLegacyFailureAfterFallbackSurfacesLegacyError(t *testing.T) {
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "everything is down", http.StatusBadGateway)
	})
	c := p.newClient(t)

	_, err := c.GetPackage(context.Background(), 8)
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if transient.Generation != api.GenerationLegacy {
		t.Fatalf("surfaced error should come from the legacy attempt, got %s", transient.Generation)
	}
}

func TestSearchFiltersByNameAcrossGenerations(t *testing.T) {
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/packages":
			writeJSON(w, http.StatusOK, map[string]any{
				"totalCount": 3,
				"results": []map[string]any{
					{"id": "1", "name": "Office Suite"},
					{"id": "2", "name": "Browser"},
					{"id": "3", "name": "office-addon"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	})
	c := p.newClient(t)

	items, err := c.SearchPackages(context.Background(), "office")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected case-insensitive substring match to keep 2 entries, got %d", len(items))
	}
	if items[0].ID != 1 || items[1].ID != 3 {
		t.Fatalf("unexpected matches %+v", items)
	}
}

func TestSearchLegacyListParsing(t *testing.T) {
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/JSSResource/policies" {
			http.NotFound(w, r)
			return
		}
		writeXML(w, http.StatusOK, `<policies><size>2</size><policy><id>1</id><name>Nightly</name></policy><policy><id>2</id><name>Weekly</name></policy></policies>`)
	})
	c := p.newClient(t)

	items, err := c.SearchPolicies(context.Background(), "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 2 || items[0].Name != "Nightly" || items[1].ID != 2 {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestNormalizeLegacyGroupsRepeatedSiblingsIntoLists(t *testing.T) {
	doc, err := xmldoc.ParseBytes([]byte(`<computer_group><id>5</id><name>Lab</name><is_smart>false</is_smart><computers><computer><id>10</id><name>mac-01</name></computer><computer><id>11</id><name>mac-02</name></computer></computers></computer_group>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	res, err := normalizeLegacy(computerGroupAdapter, doc)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	computers, ok := res.Attributes["computers"].(map[string]any)
	if !ok {
		t.Fatalf("expected computers container, got %T", res.Attributes["computers"])
	}
	entries, ok := computers["computer"].([]any)
	if !ok {
		t.Fatalf("repeated computer siblings should become a list, got %T", computers["computer"])
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first, ok := entries[0].(map[string]any)
	if !ok || first["name"] != "mac-01" {
		t.Fatalf("unexpected first entry %v", entries[0])
	}
}

func TestDeleteFallsBackAndHitsLegacyPath(t *testing.T) {
	var deletedPath string
	p := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.NotFound(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.Error(w, "gone fishing", http.StatusBadGateway)
			return
		}
		deletedPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})
	c := p.newClient(t)

	if err := c.DeletePackage(context.Background(), 44); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deletedPath != "/JSSResource/packages/id/44" {
		t.Fatalf("unexpected legacy delete path %q", deletedPath)
	}
}
