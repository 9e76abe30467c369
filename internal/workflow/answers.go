package workflow

import "github.com/pitabwire/casework/model"

// mergeAnswers deep-merges patch into dst. Nested maps merge key by key;
// any other value, including a slice, replaces what was there. patch is
// copied so dst never aliases the caller's data.
func mergeAnswers(dst, patch map[string]any) {
	for k, v := range model.CloneAnswers(patch) {
		src, srcIsMap := v.(map[string]any)
		cur, curIsMap := dst[k].(map[string]any)
		if srcIsMap && curIsMap {
			mergeAnswers(cur, src)
			continue
		}
		dst[k] = v
	}
}
