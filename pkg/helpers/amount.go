package helpers

import (
	"fmt"
	"math/big"
)

// arDecimals is the number of decimal places between winston and AR.
const arDecimals = 12

// FormatWinston formats a winston amount (arbitrary precision) as a decimal
// AR string. For example, FormatWinston(big.NewInt(1000000000000)) returns "1".
func FormatWinston(winston *big.Int) string {
	if winston == nil {
		return "0"
	}
	return formatBig(winston, arDecimals)
}

// ParseWinston parses a decimal AR string into a winston amount.
func ParseWinston(s string) (*big.Int, error) {
	return parseBig(s, arDecimals)
}

func formatBig(amount *big.Int, decimals uint8) string {
	if decimals == 0 {
		return amount.String()
	}

	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(abs, divisor)
	frac := new(big.Int).Mod(abs, divisor)

	out := whole.String()
	if frac.Sign() != 0 {
		fracStr := fmt.Sprintf("%0*d", int(decimals), frac)
		for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
			fracStr = fracStr[:len(fracStr)-1]
		}
		out = fmt.Sprintf("%s.%s", whole.String(), fracStr)
	}
	if neg {
		out = "-" + out
	}
	return out
}

func parseBig(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}

	var wholeStr, fracStr string
	if i := indexOfDot(s); i >= 0 {
		wholeStr, fracStr = s[:i], s[i+1:]
	} else {
		wholeStr = s
	}
	if wholeStr == "" {
		wholeStr = "0"
	}

	for _, c := range wholeStr + fracStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}
	if len(fracStr) > int(decimals) {
		fracStr = fracStr[:decimals]
	}

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	if neg {
		amount.Neg(amount)
	}
	return amount, nil
}

func indexOfDot(s string) int {
	for i, c := range s {
		if c == '.' {
			return i
		}
	}
	return -1
}
