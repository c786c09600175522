package search

import (
	"regexp"
	"strings"

	"bookrequest/searchservice/internal/domain"
)

var asinPattern = regexp.MustCompile(`^B[0-9A-Z]{9}$`)

// NormalizeIdentifier strips separators and uppercases a raw identifier
// string. It performs no validation.
func NormalizeIdentifier(raw string) string {
	cleaned := strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(raw))
	return strings.ToUpper(cleaned)
}

// ClassifyIdentifier recognizes ISBN-10, ISBN-13 and ASIN shapes. A 10-digit
// numeral that passes the ISBN-10 checksum classifies as ISBN-10; one that
// fails it still has a valid ASIN shape and classifies as ASIN. Anything else
// returns ErrInvalidFormat and is excluded from identifier-based matching.
func ClassifyIdentifier(raw string) (domain.Identifier, error) {
	value := NormalizeIdentifier(raw)
	switch {
	case len(value) == 10 && ValidISBN10(value):
		return domain.Identifier{Kind: domain.IdentifierISBN10, Value: value}, nil
	case len(value) == 13 && ValidISBN13(value):
		return domain.Identifier{Kind: domain.IdentifierISBN13, Value: value}, nil
	case len(value) == 10 && isAllDigits(value):
		return domain.Identifier{Kind: domain.IdentifierASIN, Value: value}, nil
	case asinPattern.MatchString(value):
		return domain.Identifier{Kind: domain.IdentifierASIN, Value: value}, nil
	default:
		return domain.Identifier{}, domain.ErrInvalidFormat
	}
}

// ValidISBN10 checks the ISBN-10 checksum: digits weighted 10..1, 'X' valid
// only in the last position representing 10, weighted sum divisible by 11.
func ValidISBN10(value string) bool {
	if len(value) != 10 {
		return false
	}
	sum := 0
	for i, r := range value {
		var digit int
		switch {
		case r >= '0' && r <= '9':
			digit = int(r - '0')
		case (r == 'X' || r == 'x') && i == 9:
			digit = 10
		default:
			return false
		}
		sum += (10 - i) * digit
	}
	return sum%11 == 0
}

// ValidISBN13 checks the ISBN-13 checksum: digits weighted 1,3 alternating,
// sum divisible by 10.
func ValidISBN13(value string) bool {
	if len(value) != 13 || !isAllDigits(value) {
		return false
	}
	sum := 0
	for i, r := range value {
		digit := int(r - '0')
		if i%2 == 1 {
			digit *= 3
		}
		sum += digit
	}
	return sum%10 == 0
}

// ISBN10To13 converts a valid ISBN-10 to its 978-prefixed ISBN-13 form.
func ISBN10To13(isbn10 string) (string, error) {
	value := NormalizeIdentifier(isbn10)
	if !ValidISBN10(value) {
		return "", domain.ErrInvalidFormat
	}
	base := "978" + value[:9]
	return base + string(rune('0'+isbn13CheckDigit(base))), nil
}

// ISBN13To10 converts a 978-prefixed ISBN-13 back to ISBN-10. ISBN-13 values
// outside the Bookland 978 range have no ISBN-10 counterpart.
func ISBN13To10(isbn13 string) (string, error) {
	value := NormalizeIdentifier(isbn13)
	if !ValidISBN13(value) {
		return "", domain.ErrInvalidFormat
	}
	if !strings.HasPrefix(value, "978") {
		return "", domain.ErrNotConvertible
	}
	base := value[3:12]
	sum := 0
	for i, r := range base {
		sum += (10 - i) * int(r-'0')
	}
	check := (11 - sum%11) % 11
	if check == 10 {
		return base + "X", nil
	}
	return base + string(rune('0'+check)), nil
}

func isbn13CheckDigit(first12 string) int {
	sum := 0
	for i, r := range first12 {
		digit := int(r - '0')
		if i%2 == 1 {
			digit *= 3
		}
		sum += digit
	}
	return (10 - sum%10) % 10
}

func isAllDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(value) > 0
}
