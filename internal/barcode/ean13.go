// Package barcode generates and validates the EAN-13 codes printed on shelf
// labels and maps internal product codes (V001, V002, ...) to them.
package barcode

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"adega/backend/internal/domain"
)

const (
	// Prefix is the GS1 country prefix used for every generated code.
	Prefix = "789"
	// DefaultCodePrefix is used by NextProductCode when no codes exist yet.
	DefaultCodePrefix = "V"

	itemDigits = 9
)

var productCodePattern = regexp.MustCompile(`^([A-Za-z])(\d+)$`)

// ComputeCheckDigit returns the EAN-13 check digit for a 12-digit base.
func ComputeCheckDigit(code12 string) (int, error) {
	if len(code12) != 12 || !isDigits(code12) {
		return 0, errors.Wrapf(domain.ErrInvalidInput, "expected 12 digits, got %q", code12)
	}

	sum := 0
	for i := 0; i < 12; i++ {
		digit := int(code12[i] - '0')
		if i%2 == 0 {
			sum += digit
		} else {
			sum += digit * 3
		}
	}
	return (10 - sum%10) % 10, nil
}

// Generate derives a 13-digit barcode from a product code.
func Generate(productCode string) string {
	digits := extractDigits(productCode)
	if len(digits) > itemDigits {
		digits = digits[len(digits)-itemDigits:]
	}
	base := Prefix + strings.Repeat("0", itemDigits-len(digits)) + digits

	check, err := ComputeCheckDigit(base)
	if err != nil {
		// base is always 12 digits here
		panic(err)
	}
	return base + strconv.Itoa(check)
}

// Validate reports whether ean13 is 13 digits ending in the right check
// digit.
func Validate(ean13 string) bool {
	if len(ean13) != 13 || !isDigits(ean13) {
		return false
	}
	check, err := ComputeCheckDigit(ean13[:12])
	if err != nil {
		return false
	}
	return int(ean13[12]-'0') == check
}

// NextProductCode returns the code following the highest numbered code in
// existing. Codes that do not look like a letter plus digits are ignored.
func NextProductCode(existing []string) string {
	prefix := DefaultCodePrefix
	highest := 0
	for _, code := range existing {
		match := productCodePattern.FindStringSubmatch(strings.TrimSpace(code))
		if match == nil {
			continue
		}
		n, err := strconv.Atoi(match[2])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
			prefix = strings.ToUpper(match[1])
		}
	}
	return fmt.Sprintf("%s%03d", prefix, highest+1)
}

func extractDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
