package mcp

import "fmt"

// buildToolDescriptions returns the description for every registered tool,
// keyed by tool name. registerTools panics on a missing entry so a new tool
// cannot ship undocumented.
func buildToolDescriptions() map[string]string {
	kinds := map[string]string{
		"policy":              "management policy",
		"computer_group":      "computer group (static or smart)",
		"package":             "distribution package record",
		"patch_configuration": "patch software title configuration",
	}
	out := make(map[string]string, len(kinds)*5)
	for prefix, noun := range kinds {
		out[toolName(prefix, "get")] = fmt.Sprintf(
			"Fetch one %s by numeric id. Returns the normalized resource and which protocol generation served it.", noun)
		out[toolName(prefix, "search")] = fmt.Sprintf(
			"List every %s, optionally filtered by a case-insensitive name substring. Returns id and name per entry.", noun)
		out[toolName(prefix, "create")] = fmt.Sprintf(
			"Create a %s from snake_case attributes and verify it is readable with those values before returning.", noun)
		out[toolName(prefix, "update")] = fmt.Sprintf(
			"Apply a partial update to one %s. Untouched fields are preserved, list fields are replaced wholesale, null clears a field, and persistence is verified before returning.", noun)
		out[toolName(prefix, "delete")] = fmt.Sprintf(
			"Delete one %s by numeric id.", noun)
	}
	return out
}
