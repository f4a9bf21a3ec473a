package ner

import (
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// word is a pre-tokenized span of the input with its byte offsets.
type word struct {
	text       string
	start, end int
}

// basicWords splits on whitespace and isolates punctuation, keeping case and
// byte offsets into text.
func basicWords(text string) []word {
	var out []word
	start := -1
	flush := func(end int) {
		if start >= 0 {
			out = append(out, word{text: text[start:end], start: start, end: end})
			start = -1
		}
	}
	for i, r := range text {
		switch {
		case unicode.IsSpace(r) || r == utf8.RuneError || unicode.IsControl(r):
			flush(i)
		case isPunct(r):
			flush(i)
			n := utf8.RuneLen(r)
			out = append(out, word{text: text[i : i+n], start: i, end: i + n})
		default:
			if start < 0 { start = i }
		}
	}
	flush(len(text))
	return out
}

// isPunct follows BERT: all non-alphanumeric ASCII counts, plus Unicode P*.
func isPunct(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

type wordPiece struct {
	vocab        map[string]int
	unkID        int
	clsID        int
	sepID        int
	maxWordChars int
}

func loadWordPiece(path string) (*wordPiece, error) {
	b, err := os.ReadFile(path)
	if err != nil { return nil, err }
	return parseVocab(string(b))
}

func parseVocab(s string) (*wordPiece, error) {
	lines := strings.Split(s, "\n")
	vp := make(map[string]int, len(lines))
	for i, line := range lines {
		tok := strings.TrimRight(line, "\r")
		if tok == "" { continue }
		if _, ok := vp[tok]; !ok { vp[tok] = i }
	}
	if len(vp) == 0 { return nil, fmt.Errorf("empty vocab") }
	get := func(tok string, def int) int { if id, ok := vp[tok]; ok { return id }; return def }
	return &wordPiece{
		vocab:        vp,
		unkID:        get("[UNK]", 100),
		clsID:        get("[CLS]", 101),
		sepID:        get("[SEP]", 102),
		maxWordChars: 100,
	}, nil
}

// tokenizeWord applies greedy longest-match-first. A word that cannot be fully
// covered by the vocab becomes a single [UNK].
func (w *wordPiece) tokenizeWord(tok string) []int {
	if tok == "" { return nil }
	if utf8.RuneCountInString(tok) > w.maxWordChars { return []int{w.unkID} }
	var out []int
	start := 0
	for start < len(tok) {
		end := len(tok)
		found := -1
		for end > start {
			candidate := tok[start:end]
			if start > 0 { candidate = "##" + candidate }
			if id, ok := w.vocab[candidate]; ok {
				found = id
				break
			}
			_, size := utf8.DecodeLastRuneInString(tok[start:end])
			end -= size
		}
		if found < 0 { return []int{w.unkID} }
		out = append(out, found)
		start = end
	}
	return out
}
