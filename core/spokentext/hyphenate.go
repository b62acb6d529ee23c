package spokentext

import "unicode"

// hyphenate splits a word into approximate syllable pieces. The pieces always
// concatenate back to the exact input, which is what lets Take map chunk
// counts onto source offsets.
func hyphenate(word string) []string {
	pieces := []string{}
	for _, subPiece := range hyphenateWithOffsets(word) {
		pieces = append(pieces, subPiece.text)
	}
	return pieces
}

type wordPiece struct {
	text string
	// end is the exclusive byte offset of this piece inside the word.
	end int
}

const minSyllableRunes = 3

func hyphenateWithOffsets(word string) []wordPiece {
	runes := []rune(word)
	if len(runes) <= minSyllableRunes {
		return []wordPiece{{text: word, end: len(word)}}
	}

	// Break after every vowel group, keeping the consonants that follow with
	// the next piece, except the trailing consonants which stay with the last
	// vowel group. A silent final "e" does not start its own syllable.
	boundaries := []int{}
	inVowelGroup := false
	for i, r := range runes {
		if isVowel(r) {
			inVowelGroup = true
			continue
		}
		if inVowelGroup && i < len(runes)-1 {
			boundaries = append(boundaries, i+1)
		}
		inVowelGroup = false
	}

	pieces := []wordPiece{}
	byteOffset := 0
	start := 0
	for _, boundary := range boundaries {
		if boundary-start < minSyllableRunes || len(runes)-boundary < minSyllableRunes {
			continue
		}
		text := string(runes[start:boundary])
		byteOffset += len(text)
		pieces = append(pieces, wordPiece{text: text, end: byteOffset})
		start = boundary
	}

	text := string(runes[start:])
	pieces = append(pieces, wordPiece{text: text, end: byteOffset + len(text)})
	return pieces
}

func isVowel(r rune) bool {
	switch unicode.ToLower(r) {
	case 'a', 'e', 'i', 'o', 'u', 'y':
		return true
	}
	return false
}
