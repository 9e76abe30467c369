package permission

import (
	"strings"

	"github.com/pitabwire/casework/model"
)

// FilterForRole returns a copy of app holding only the answers and external
// data role may read in the application's current state.
func FilterForRole(app *model.Application, tmpl *model.Template, role string) *model.Application {
	out := app.Clone()

	_, rb := roleIn(tmpl, app.State, role)
	if rb == nil {
		out.Answers = map[string]any{}
		out.ExternalData = map[string]model.DataProviderResult{}
		return out
	}

	switch rb.Read.Mode {
	case model.AccessAll:
		return out
	case model.AccessListed:
		answers := map[string]any{}
		for _, p := range rb.Read.Answers {
			if v, ok := lookup(out.Answers, p); ok {
				set(answers, p, v)
			}
		}
		out.Answers = answers

		external := make(map[string]model.DataProviderResult, len(rb.Read.ExternalData))
		for _, id := range rb.Read.ExternalData {
			if r, ok := out.ExternalData[id]; ok {
				external[id] = r
			}
		}
		out.ExternalData = external
	default:
		out.Answers = map[string]any{}
		out.ExternalData = map[string]model.DataProviderResult{}
	}
	return out
}

func lookup(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, part := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func set(m map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	node := m
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = v
}
