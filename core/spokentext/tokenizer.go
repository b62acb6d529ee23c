// Package spokentext splits text into the units text-to-speech engines
// actually pace themselves by: sub-word pieces, spelled-out numbers and
// symbols, and pause punctuation. The chunk is intentionally finer than a
// word, whole-word granularity under- and over-estimates duration for long
// and short words.
package spokentext

import (
	"strings"
	"unicode"
)

// piece is one spoken chunk together with the exclusive end offset of the
// source text it accounts for. Pieces of a multi-chunk expansion (numbers,
// spoken symbols) all map to the token boundary: a half-spoken "42" maps to
// nothing, a fully spoken one to the whole token.
type piece struct {
	text string
	end  int
}

var pausePunctuation = map[rune]struct{}{
	',': {}, '.': {}, ';': {}, ':': {}, '!': {}, '?': {},
	'—': {}, '–': {}, '…': {},
	'"': {}, '\'': {}, '“': {}, '”': {}, '‘': {}, '’': {},
}

var spokenSymbols = map[rune]string{
	'$': "dollars",
	'€': "euros",
	'£': "pounds",
	'%': "percent",
	'&': "and",
	'=': "equals",
	'°': "degrees",
	'+': "plus",
	'@': "at",
	'/': "slash",
}

// Chunk returns the ordered spoken chunks of text.
func Chunk(text string) []string {
	pieces := split(text)
	chunks := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		chunks = append(chunks, piece.text)
	}
	return chunks
}

// Weight returns how many synthesis-time units the text represents.
func Weight(text string) int {
	return len(split(text))
}

// Take returns the prefix of text that accounts for exactly k spoken chunks.
// Take(text, 0) is empty, Take(text, Weight(text)) is the whole text.
func Take(text string, k int) string {
	if k <= 0 {
		return ""
	}

	pieces := split(text)
	if k >= len(pieces) {
		return text
	}
	return text[:pieces[k-1].end]
}

func split(text string) []piece {
	runes := []rune(text)
	pieces := []piece{}

	// Offsets are tracked in bytes so Take can slice the original string.
	byteOffset := 0
	offsets := make([]int, len(runes)+1)
	for i, r := range runes {
		offsets[i] = byteOffset
		byteOffset += len(string(r))
	}
	offsets[len(runes)] = byteOffset

	appendExpansion := func(words []string, tokenStart, tokenEnd int) {
		subPieces := []string{}
		for _, word := range words {
			subPieces = append(subPieces, hyphenate(word)...)
		}
		for i, subPiece := range subPieces {
			end := offsets[tokenStart]
			if i == len(subPieces)-1 {
				end = offsets[tokenEnd]
			}
			pieces = append(pieces, piece{text: subPiece, end: end})
		}
	}

	i := 0
	for i < len(runes) {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			i++

		case unicode.IsLetter(r):
			start := i
			for i < len(runes) && isWordPart(runes, i) {
				i++
			}
			word := string(runes[start:i])
			for _, subPiece := range hyphenateWithOffsets(word) {
				pieces = append(pieces, piece{
					text: subPiece.text,
					end:  offsets[start] + subPiece.end,
				})
			}

		case unicode.IsDigit(r):
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || (runes[i] == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1]))) {
				i++
			}
			appendExpansion(numberToWords(string(runes[start:i])), start, i)

		case isPauseRune(r):
			start := i
			for i < len(runes) && (isPauseRune(runes[i]) || unicode.IsSpace(runes[i])) {
				i++
			}
			// Trailing whitespace is not part of the pause token.
			end := i
			for end > start && unicode.IsSpace(runes[end-1]) {
				end--
			}
			pause := strings.TrimSpace(string(runes[start:end]))
			if last := len(pieces) - 1; last >= 0 && isPausePiece(pieces[last].text) {
				// Adjacent pause chunks merge instead of duplicating.
				pieces[last].end = offsets[end]
			} else {
				pieces = append(pieces, piece{text: pause, end: offsets[end]})
			}
			i = end

		default:
			if word, ok := spokenSymbols[r]; ok {
				appendExpansion(strings.Fields(word), i, i+1)
			}
			// Anything else is decorative and silently dropped.
			i++
		}
	}

	return pieces
}

// isWordPart treats apostrophes and hyphens between letters as part of the
// word, so "don't" and "well-known" stay single tokens.
func isWordPart(runes []rune, i int) bool {
	r := runes[i]
	if unicode.IsLetter(r) {
		return true
	}
	if r == '\'' || r == '-' || r == '’' {
		return i > 0 && i+1 < len(runes) && unicode.IsLetter(runes[i-1]) && unicode.IsLetter(runes[i+1])
	}
	return false
}

func isPauseRune(r rune) bool {
	_, ok := pausePunctuation[r]
	return ok
}

func isPausePiece(text string) bool {
	for _, r := range text {
		if !isPauseRune(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return text != ""
}
