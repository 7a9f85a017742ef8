package service

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidNumber is returned by Add and Rem for operands that are not numbers.
var ErrInvalidNumber = errors.New("not a number")

// combine returns a+b (or a-b if negate). If both operands are integers the
// result is an integer, otherwise both are treated as floats.
func combine(a, b string, negate bool) (string, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)

	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		if r, ok := addInt(ai, bi, negate); ok {
			return strconv.FormatInt(r, 10), nil
		}
		// overflow, continue with float arithmetic
	}

	af, err := parseFloat(a)
	if err != nil {
		return "", err
	}
	bf, err := parseFloat(b)
	if err != nil {
		return "", err
	}
	if negate {
		bf = -bf
	}
	r := af + bf
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return "", fmt.Errorf("%w: result out of range", ErrInvalidNumber)
	}
	return formatFloat(r), nil
}

// addInt adds with overflow detection
func addInt(a, b int64, negate bool) (int64, bool) {
	if negate {
		if b == math.MinInt64 {
			return 0, false
		}
		b = -b
	}
	r := a + b
	if (b > 0 && r < a) || (b < 0 && r > a) {
		return 0, false
	}
	return r, true
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return f, nil
}

// formatFloat always renders a decimal point, so float results stay
// distinguishable from integers ("5.0", not "5").
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
