package record

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldKey normalizes a string for use in blocking keys and fuzzy comparison:
// lowercased, diacritics stripped, punctuation and control characters
// removed, whitespace collapsed. FoldKey is idempotent.
func FoldKey(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

// TitleKey derives the title blocking key: words are concatenated until
// either three words longer than three characters have been seen or 25
// significant characters have accumulated.
func TitleKey(title string) string {
	var b strings.Builder
	longWords := 0
	for _, word := range strings.Fields(FoldKey(title)) {
		b.WriteString(word)
		if len(word) > 3 {
			longWords++
		}
		if longWords >= 3 || b.Len() >= 25 {
			break
		}
	}
	return b.String()
}

// NormalizeISBN returns the ISBN-13 form of an ISBN-10 or ISBN-13 string, or
// "" when the input has an invalid length or checksum.
func NormalizeISBN(s string) string {
	digits := stripISBN(s)
	switch len(digits) {
	case 10:
		return ISBN10to13(digits)
	case 13:
		if isbn13Check(digits[:12]) != digits[12] {
			return ""
		}
		return digits
	}
	return ""
}

// ISBN10to13 promotes a bare 10-character ISBN to ISBN-13, returning "" on
// checksum failure.
func ISBN10to13(isbn10 string) string {
	if len(isbn10) != 10 {
		return ""
	}
	sum := 0
	for i := 0; i < 10; i++ {
		var v int
		switch {
		case isbn10[i] >= '0' && isbn10[i] <= '9':
			v = int(isbn10[i] - '0')
		case i == 9 && (isbn10[i] == 'X' || isbn10[i] == 'x'):
			v = 10
		default:
			return ""
		}
		sum += (10 - i) * v
	}
	if sum%11 != 0 {
		return ""
	}
	body := "978" + isbn10[:9]
	return body + string(isbn13Check(body))
}

func isbn13Check(body string) byte {
	sum := 0
	for i := 0; i < 12; i++ {
		v := int(body[i] - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	return byte('0' + (10-sum%10)%10)
}

func stripISBN(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'X' || r == 'x':
			b.WriteByte('X')
		case r == '-' || r == ' ':
		default:
			// Trailing qualifiers like "(nid.)" end the number.
			return b.String()
		}
	}
	return b.String()
}

// extractYear returns the first plausible four-digit year in s, or "".
func extractYear(s string) string {
	for i := 0; i+4 <= len(s); i++ {
		if isDigit(s[i]) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
			if i > 0 && isDigit(s[i-1]) {
				continue
			}
			if i+4 < len(s) && isDigit(s[i+4]) {
				continue
			}
			year := s[i : i+4]
			if year >= "1000" && year <= "2999" {
				return year
			}
		}
	}
	return ""
}

// firstNumber returns the first integer in s, or 0.
func firstNumber(s string) int {
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && isDigit(s[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			n, _ := strconv.Atoi(s[start:i])
			return n
		}
	}
	return 0
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
