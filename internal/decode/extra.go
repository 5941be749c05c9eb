package decode

import "encoding/json"

// remainder marshals the fields of m not named in used into a canonical
// JSON object, for the extra_data column each entity carries (§6: "free
// form extra data" preserving fields this decoder doesn't model). Returns
// nil when nothing is left over. encoding/json sorts object keys, so two
// semantically identical records always produce byte-identical output.
func remainder(m map[string]any, used ...string) json.RawMessage {
	skip := make(map[string]bool, len(used)+1)
	skip["$type"] = true
	for _, k := range used {
		skip[k] = true
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if skip[k] {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return b
}
