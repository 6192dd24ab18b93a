package docpipe

import "encoding/json"

// prettyJSON re-renders a JSON body indented with sorted object keys, so
// identical payloads always segment and hash the same way. Invalid JSON is
// returned verbatim.
func prettyJSON(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(body)
	}
	return string(out)
}
