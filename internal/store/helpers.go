package store

import "strings"

// nullInt64 unwraps p into a bind value, nil for NULL.
func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// nullKey unwraps a message key into a bind value, nil for NULL.
func nullKey(p *uint32) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func keysToInt64(keys []uint32) []int64 {
	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = int64(k)
	}
	return out
}

// uniqueStrings drops repeated values, keeping first-seen order.
func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// quoteIdent quotes name as an SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
