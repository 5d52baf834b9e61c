package xmldoc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Update is a sparse partial update: nested maps address subtrees by tag
// name, scalars replace leaf text, slices replace list containers wholesale,
// and an explicit nil clears a field while keeping its element.
type Update = map[string]any

// MergeOptions tunes how Merge renders list entries.
type MergeOptions struct {
	// ListItemNames maps a list container tag to the tag used for each
	// rendered entry (e.g. "criteria" -> "criterion"). Containers not listed
	// fall back to singularization of the container name.
	ListItemNames map[string]string
}

// defaultListItemNames covers the legacy containers whose entry tag is not a
// plain singular of the container.
var defaultListItemNames = map[string]string{
	"criteria": "criterion",
}

// Merge produces a new document from doc with update applied. Every node the
// update does not mention is copied through untouched, including fields the
// caller's data model does not know about. List containers present in the
// update are replaced wholesale; partial list edits must be expressed as a
// full replacement list.
func Merge(doc *Element, update Update, opts MergeOptions) (*Element, error) {
	merged := doc.Clone()
	if err := applyUpdate(merged, update, nil, opts); err != nil {
		return nil, err
	}
	return merged, nil
}

func applyUpdate(elem *Element, update Update, path []string, opts MergeOptions) error {
	// Deterministic application order keeps created-element ordering stable
	// across calls.
	keys := make([]string, 0, len(update))
	for key := range update {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		childPath := append(append([]string(nil), path...), key)
		child := elem.ensureChild(key)
		switch value := update[key].(type) {
		case nil:
			child.Text = ""
			child.Children = nil
		case map[string]any:
			if child.Text != "" {
				return fmt.Errorf("xmldoc: cannot merge subtree into scalar %s", pathString(childPath))
			}
			if err := applyUpdate(child, value, childPath, opts); err != nil {
				return err
			}
		case []any:
			items, err := renderList(key, value, childPath, opts)
			if err != nil {
				return err
			}
			child.Text = ""
			child.Children = items
		default:
			if len(child.Children) > 0 {
				return fmt.Errorf("xmldoc: cannot replace subtree %s with scalar", pathString(childPath))
			}
			text, err := FormatScalar(value)
			if err != nil {
				return fmt.Errorf("xmldoc: %s: %w", pathString(childPath), err)
			}
			child.Text = text
		}
	}
	return nil
}

func renderList(container string, entries []any, path []string, opts MergeOptions) ([]*Element, error) {
	itemName := opts.ListItemNames[container]
	if itemName == "" {
		itemName = defaultListItemNames[container]
	}
	if itemName == "" {
		itemName = singularize(container)
	}
	items := make([]*Element, 0, len(entries))
	for i, entry := range entries {
		item := &Element{Name: itemName}
		switch value := entry.(type) {
		case map[string]any:
			if err := applyUpdate(item, value, append(path, strconv.Itoa(i)), opts); err != nil {
				return nil, err
			}
		case []any:
			return nil, fmt.Errorf("xmldoc: nested list at %s[%d]", pathString(path), i)
		case nil:
		default:
			text, err := FormatScalar(value)
			if err != nil {
				return nil, fmt.Errorf("xmldoc: %s[%d]: %w", pathString(path), i, err)
			}
			item.Text = text
		}
		items = append(items, item)
	}
	return items, nil
}

// FormatScalar renders an update value as legacy document text. Booleans
// become "true"/"false"; numbers drop insignificant fractional zeros.
func FormatScalar(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported scalar type %T", value)
	}
}

func singularize(name string) string {
	switch {
	case strings.HasSuffix(name, "ies"):
		return name[:len(name)-3] + "y"
	case strings.HasSuffix(name, "s") && len(name) > 1:
		return name[:len(name)-1]
	default:
		return name
	}
}

func pathString(path []string) string {
	return strings.Join(path, ".")
}
