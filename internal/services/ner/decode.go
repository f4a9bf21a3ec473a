package ner

import "strings"

// Labels follow the spaCy names callers already expect.
var labelNames = map[string]string{
	"PER": "PERSON",
}

func displayLabel(tag string) string {
	if n, ok := labelNames[tag]; ok { return n }
	return tag
}

// taggedWord is a word with the model's IOB tag for its first sub-token.
type taggedWord struct {
	word
	tag string
}

// splitTag turns "B-PER" into ("B", "PER") and "O" into ("O", "").
func splitTag(tag string) (string, string) {
	if i := strings.IndexByte(tag, '-'); i > 0 {
		return tag[:i], tag[i+1:]
	}
	return tag, ""
}

// aggregate merges IOB-tagged words into entity spans. An I- tag that does not
// continue a span of the same type opens a new one.
func aggregate(text string, words []taggedWord) []Entity {
	var out []Entity
	curType := ""
	curStart, curEnd := 0, 0
	closeSpan := func() {
		if curType != "" {
			out = append(out, Entity{Text: text[curStart:curEnd], Label: displayLabel(curType)})
			curType = ""
		}
	}
	for _, w := range words {
		prefix, typ := splitTag(w.tag)
		switch {
		case typ == "" || prefix == "O":
			closeSpan()
		case prefix == "I" && typ == curType:
			curEnd = w.end
		default:
			closeSpan()
			curType, curStart, curEnd = typ, w.start, w.end
		}
	}
	closeSpan()
	return out
}
