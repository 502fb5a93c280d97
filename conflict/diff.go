package conflict

import (
	"encoding/json"
	"reflect"
	"sort"
)

// ComputeFieldConflicts compares two same-shape JSON records and returns the
// sorted set of top-level field names whose values are not deeply equal.
// Nested objects and arrays are compared by deep equality as opaque subtrees:
// a field is in conflict if any part of its subtree differs, and is not
// decomposed further. The function is deterministic and side-effect free.
//
// If either input is not a JSON object there are no field names to report
// and the result is nil.
func ComputeFieldConflicts(local, server json.RawMessage) []string {
	var localObj, serverObj map[string]interface{}
	if json.Unmarshal(local, &localObj) != nil || json.Unmarshal(server, &serverObj) != nil {
		return nil
	}
	if localObj == nil || serverObj == nil {
		return nil
	}

	fields := make([]string, 0)
	seen := make(map[string]bool)

	for name, lv := range localObj {
		seen[name] = true
		sv, ok := serverObj[name]
		if !ok || !reflect.DeepEqual(lv, sv) {
			fields = append(fields, name)
		}
	}
	for name := range serverObj {
		if !seen[name] {
			fields = append(fields, name)
		}
	}

	sort.Strings(fields)
	return fields
}
