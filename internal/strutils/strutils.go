package strutils

import "strings"

// StrListContains looks for a string in a list of strings.
func StrListContains(haystack []string, needle string) bool {
	for _, item := range haystack {
		if item == needle {
			return true
		}
	}
	return false
}

// RemoveDuplicatesStable removes duplicate and empty elements from a slice
// of strings, preserving order.
func RemoveDuplicatesStable(items []string, caseInsensitive bool) []string {
	itemsMap := make(map[string]struct{}, len(items))
	deduplicated := make([]string, 0, len(items))
	for _, item := range items {
		key := strings.TrimSpace(item)
		if caseInsensitive {
			key = strings.ToLower(key)
		}
		if key == "" {
			continue
		}
		if _, ok := itemsMap[key]; ok {
			continue
		}
		itemsMap[key] = struct{}{}
		deduplicated = append(deduplicated, item)
	}
	return deduplicated
}
