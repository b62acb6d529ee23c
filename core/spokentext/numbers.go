package spokentext

import (
	"strconv"
	"strings"
)

var digitWords = []string{"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}

var smallNumberWords = []string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight",
	"nine", "ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen",
	"sixteen", "seventeen", "eighteen", "nineteen",
}

var tensWords = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}

var scaleWords = []string{"", "thousand", "million", "billion", "trillion", "quadrillion", "quintillion"}

// numberToWords expands a bare numeric token into the words a speaker would
// read. Decimal parts are read digit by digit.
func numberToWords(token string) []string {
	integerPart, decimalPart, hasDecimal := strings.Cut(token, ".")

	words := integerToWords(integerPart)
	if hasDecimal {
		words = append(words, "point")
		for _, r := range decimalPart {
			if r >= '0' && r <= '9' {
				words = append(words, digitWords[r-'0'])
			}
		}
	}
	return words
}

func integerToWords(digits string) []string {
	value, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		// Too large to read as a quantity, read digit by digit.
		words := []string{}
		for _, r := range digits {
			if r >= '0' && r <= '9' {
				words = append(words, digitWords[r-'0'])
			}
		}
		return words
	}

	if value == 0 {
		return []string{"zero"}
	}

	groups := []uint64{}
	for value > 0 {
		groups = append(groups, value%1000)
		value /= 1000
	}

	words := []string{}
	for i := len(groups) - 1; i >= 0; i-- {
		if groups[i] == 0 {
			continue
		}
		words = append(words, groupToWords(groups[i])...)
		if i > 0 && i < len(scaleWords) {
			words = append(words, scaleWords[i])
		}
	}
	return words
}

func groupToWords(group uint64) []string {
	words := []string{}

	if hundreds := group / 100; hundreds > 0 {
		words = append(words, smallNumberWords[hundreds], "hundred")
	}

	remainder := group % 100
	switch {
	case remainder == 0:
	case remainder < 20:
		words = append(words, smallNumberWords[remainder])
	default:
		words = append(words, tensWords[remainder/10])
		if units := remainder % 10; units > 0 {
			words = append(words, smallNumberWords[units])
		}
	}
	return words
}
