package rules

import (
	"regexp"
	"sort"
	"strings"
)

// placeholderPattern matches $name, or #name# followed by an optional
// {modifier} block.
var placeholderPattern = regexp.MustCompile(`\$([a-zA-Z0-9_]+)|#([a-zA-Z0-9_]+)#(\{[^}]*\})?`)

// Resolution is the result of substituting the placeholders of one text.
type Resolution struct {
	Text    string
	Unknown []string
}

// Resolve substitutes $name and #name# placeholders in text with values from
// snap. Unknown variables become the empty string and are reported in
// Resolution.Unknown. Substituted values are not scanned again.
func Resolve(text string, snap Snapshot) Resolution {
	return resolve(text, snap, false)
}

// ResolveCalculable substitutes placeholders for arithmetic: known values
// are wrapped in parentheses, known empty values become 0 and values holding
// a comma (argument lists) are inserted as they are.
func ResolveCalculable(text string, snap Snapshot) Resolution {
	return resolve(text, snap, true)
}

func resolve(text string, snap Snapshot, calculable bool) Resolution {
	matches := placeholderPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return Resolution{Text: text}
	}

	var b strings.Builder
	b.Grow(len(text))
	unknown := map[string]struct{}{}
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		last = m[1]

		var name, modifier string
		if m[2] >= 0 {
			name = text[m[2]:m[3]]
		} else {
			name = text[m[4]:m[5]]
			if m[6] >= 0 {
				modifier = text[m[6]+1 : m[7]-1]
			}
		}

		value, ok := snap.Lookup(name)
		if !ok {
			unknown["$"+name] = struct{}{}
			continue
		}
		if modifier != "" {
			value = applyModifier(value, modifier, snap)
		}
		if calculable {
			value = calculableValue(value)
		}
		b.WriteString(value)
	}
	b.WriteString(text[last:])

	return Resolution{Text: b.String(), Unknown: sortedKeys(unknown)}
}

func calculableValue(value string) string {
	trimmed := strings.TrimSpace(value)
	switch {
	case trimmed == "":
		return "0"
	case strings.Contains(trimmed, ","):
		return trimmed
	default:
		return "(" + trimmed + ")"
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// mergeUnknown returns the sorted union of the given name lists.
func mergeUnknown(lists ...[]string) []string {
	set := map[string]struct{}{}
	for _, list := range lists {
		for _, name := range list {
			set[name] = struct{}{}
		}
	}
	return sortedKeys(set)
}
