// Package amount converts between user-facing decimal strings and integer base units.
//
// All arithmetic is done on scaled integers through shopspring/decimal, never on floats,
// so a value read back from the chain is displayed exactly.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned for text that is not a non-negative decimal number.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrConversionOverflow is returned when a value does not fit in a Uint128.
	ErrConversionOverflow = errors.New("amount exceeds representable precision")
)

// MaxUint128 is the largest amount a CosmWasm Uint128 can carry.
var MaxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// maxUint128Digits is the number of decimal digits in MaxUint128.
const maxUint128Digits = 39

// plainDecimal matches what a user can type into an amount field: digits with at most one point.
// Exponent notation is rejected so "1e2000000000" never reaches big.Int.
var plainDecimal = regexp.MustCompile(`^(\d+(\.\d*)?|\.\d+)$`)

// ToBaseUnits converts a display amount such as "42.5" into base units at the given precision.
// Digits beyond the precision are truncated.
func ToBaseUnits(display string, decimals int32) (*big.Int, error) {
	d, err := ParseDisplay(display)
	if err != nil {
		return nil, err
	}

	if integerDigits(d)+int64(decimals) > maxUint128Digits {
		return nil, fmt.Errorf("%w: %s at %d decimals", ErrConversionOverflow, display, decimals)
	}

	base := d.Shift(decimals).Truncate(0).BigInt()
	if base.Cmp(MaxUint128) > 0 {
		return nil, fmt.Errorf("%w: %s at %d decimals", ErrConversionOverflow, display, decimals)
	}
	return base, nil
}

// FromBaseUnits renders base units as a display amount with trailing zeros trimmed.
func FromBaseUnits(base *big.Int, decimals int32) string {
	if base == nil {
		return ""
	}
	return decimal.NewFromBigInt(base, -decimals).String()
}

// ParseDisplay parses user input into a non-negative decimal.
func ParseDisplay(display string) (decimal.Decimal, error) {
	s := strings.TrimSpace(display)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	if strings.HasPrefix(s, "-") {
		return decimal.Decimal{}, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, display)
	}
	if !plainDecimal.MatchString(s) {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, display)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, display)
	}
	return d, nil
}

// integerDigits counts the digits left of the decimal point, ignoring leading zeros.
func integerDigits(d decimal.Decimal) int64 {
	if d.IsZero() {
		return 0
	}
	// NumDigits counts the coefficient; a negative exponent moves digits behind the point
	n := int64(d.NumDigits()) + int64(d.Exponent())
	if n < 0 {
		return 0
	}
	return n
}

// IsZero reports whether the display text is empty or parses to zero.
// Unparseable text is not zero.
func IsZero(display string) bool {
	if strings.TrimSpace(display) == "" {
		return true
	}
	d, err := ParseDisplay(display)
	return err == nil && d.IsZero()
}

// ParseBaseUnits parses a Uint128 string as returned by contracts.
func ParseBaseUnits(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q is not a base unit amount", ErrInvalidAmount, s)
	}
	if v.Cmp(MaxUint128) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrConversionOverflow, s)
	}
	return v, nil
}

// USDValue returns display * rate, or false when the display text is not a number.
func USDValue(display string, rate decimal.Decimal) (decimal.Decimal, bool) {
	d, err := ParseDisplay(display)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d.Mul(rate), true
}

// FormatUSD renders a dollar value as "$1,234.56".
func FormatUSD(v decimal.Decimal) string {
	sign := ""
	if v.IsNegative() {
		sign = "-"
		v = v.Neg()
	}

	fixed := v.StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")
	return sign + "$" + groupThousands(whole) + "." + frac
}

// FormatNumber renders a price with up to four decimals and grouped thousands.
func FormatNumber(v decimal.Decimal) string {
	s := v.Round(4).String()
	whole, frac, hasFrac := strings.Cut(s, ".")
	neg := strings.HasPrefix(whole, "-")
	whole = strings.TrimPrefix(whole, "-")

	out := groupThousands(whole)
	if hasFrac {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}

	var b strings.Builder
	head := len(digits) % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
