package billing

import (
	"regexp"
	"strings"
)

var unitNameStrip = regexp.MustCompile(`[\s:;,+%&$@/]+`)

// UsageName is "{itemType}-{key}" with whitespace and :;,+%&$@/ removed
func UsageName(itemType, key string) string {
	return unitNameStrip.ReplaceAllString(itemType+"-"+key, "")
}

// UnitName is the billing unit of a consumable item: "hour-of-" + UsageName.
// For example ("storage", "1 TB") gives "hour-of-storage-1TB".
func UnitName(itemType, key string) string {
	return "hour-of-" + UsageName(itemType, key)
}

func cutRef(ref string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(ref, ":")
	return kind, id, ok && id != ""
}
