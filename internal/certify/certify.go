// Package certify validates signal certification tokens. The backtesting
// engine signs a token for every strategy that passes certification; a
// signal whose token does not verify never reaches the risk gate. This is
// the single check keeping unproven strategies away from live execution.
package certify

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meridianx/execpipe/internal/model"
)

var (
	// ErrUncertified is the base error for every certification failure.
	ErrUncertified = errors.New("signal not certified")

	// ErrStaleSignal is returned when the signal's issue time is older
	// than the configured acceptance window.
	ErrStaleSignal = errors.New("signal too old")
)

// Claims is the payload the backtest engine signs into a token.
type Claims struct {
	StrategyID string `json:"strategy_id"`
	BacktestID string `json:"backtest_id"`
	jwt.RegisteredClaims
}

// Verifier checks certification tokens against the shared signing secret.
type Verifier struct {
	secret       []byte
	maxSignalAge time.Duration
}

// NewVerifier creates a verifier. maxSignalAge <= 0 disables the
// staleness check.
func NewVerifier(secret string, maxSignalAge time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), maxSignalAge: maxSignalAge}
}

// Verify validates the signal's certification token: signature, expiry,
// strategy binding, and signal freshness.
func (v *Verifier) Verify(sig model.Signal) error {
	if sig.CertificationToken == "" {
		return fmt.Errorf("%w: missing certification token", ErrUncertified)
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(sig.CertificationToken, &claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUncertified, err)
	}
	if !token.Valid {
		return fmt.Errorf("%w: invalid token", ErrUncertified)
	}
	if claims.StrategyID != sig.StrategyID {
		return fmt.Errorf("%w: token issued for strategy %q, signal from %q",
			ErrUncertified, claims.StrategyID, sig.StrategyID)
	}
	if v.maxSignalAge > 0 && time.Since(sig.IssuedAt) > v.maxSignalAge {
		return fmt.Errorf("%w: issued %s ago", ErrStaleSignal, time.Since(sig.IssuedAt).Round(time.Millisecond))
	}
	return nil
}

// IssueToken signs a certification token for a strategy. Exposed for the
// backtest engine's client library and for tests.
func IssueToken(secret, strategyID, backtestID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		StrategyID: strategyID,
		BacktestID: backtestID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
