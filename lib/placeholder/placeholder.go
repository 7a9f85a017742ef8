// Package placeholder expands variable placeholders for display.
//
// Supported identifiers:
//
//	<key>                            cached value of key
//	player_key:<name>                cached value of <owner>_<name>
//	rounded:<key>                    synchronized value of key, no decimals
//	rounded_<n>:<key>                synchronized value of key, n decimals
//	rounded_player_key:<name>        synchronized value of <owner>_<name>
//	rounded_player_key_<n>:<name>    same with n decimals
//
// Rounding is half up, ties go away from zero. Keys and owners are lowercased.
// Every absent or malformed input renders as "null".
package placeholder

import (
	"context"
	"math/big"
	"strconv"
	"strings"
)

const (
	null       = "null"
	playerKey  = "player_key"
	rounded    = "rounded"
	maxDecimal = 16
)

// Values is the read side of the variable service.
type Values interface {
	Get(key string) (string, bool)
	GetSynchronizedValue(ctx context.Context, key string) (string, bool)
}

// Resolver expands placeholder identifiers.
type Resolver struct {
	values Values
}

// New returns a resolver reading from values.
func New(values Values) *Resolver {
	return &Resolver{values: values}
}

// Resolve expands identifier for owner. owner may be empty, in which case
// player scoped identifiers resolve to "null".
func (r *Resolver) Resolve(ctx context.Context, owner, identifier string) string {
	if identifier == "" {
		return null
	}
	if rest, ok := strings.CutPrefix(identifier, rounded); ok {
		return r.resolveRounded(ctx, owner, rest)
	}

	key := identifier
	if name, ok := strings.CutPrefix(identifier, playerKey+":"); ok {
		var valid bool
		if key, valid = ownerKey(owner, name); !valid {
			return null
		}
	}
	if v, found := r.values.Get(strings.ToLower(key)); found {
		return v
	}
	return null
}

// resolveRounded handles everything after the "rounded" prefix.
func (r *Resolver) resolveRounded(ctx context.Context, owner, rest string) string {
	player := false
	if after, ok := strings.CutPrefix(rest, "_"+playerKey); ok {
		player = true
		rest = after
	}

	precision, name, ok := strings.Cut(rest, ":")
	if !ok {
		return null
	}
	decimals := 0
	if precision != "" {
		digits, ok := strings.CutPrefix(precision, "_")
		if !ok {
			return null
		}
		n, err := strconv.Atoi(digits)
		if err != nil || n < 0 || n > maxDecimal {
			return null
		}
		decimals = n
	}

	key := name
	if player {
		if key, ok = ownerKey(owner, name); !ok {
			return null
		}
	}
	if key == "" {
		return null
	}

	v, found := r.values.GetSynchronizedValue(ctx, strings.ToLower(key))
	if !found {
		return null
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return null
	}
	return roundHalfUp(f, decimals)
}

// roundHalfUp formats f with the given number of decimals, rounding ties away
// from zero. It works on the shortest decimal form of f, so 0.125 rounds to
// 0.13 although its binary value is slightly below. Non-finite values are null.
func roundHalfUp(f float64, decimals int) string {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'f', -1, 64))
	if !ok {
		return null
	}
	return r.FloatString(decimals)
}

func ownerKey(owner, name string) (string, bool) {
	if owner == "" || name == "" {
		return "", false
	}
	return strings.ToLower(owner) + "_" + strings.ToLower(name), true
}
