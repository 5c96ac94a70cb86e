package certify

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianx/execpipe/internal/model"
)

const testSecret = "unit-test-signing-secret"

func certifiedSignal(t *testing.T, strategyID string) model.Signal {
	t.Helper()
	token, err := IssueToken(testSecret, strategyID, "bt-20260801", time.Hour)
	require.NoError(t, err)
	return model.Signal{
		ID:                 uuid.New(),
		Symbol:             "BTC-USD",
		Side:               model.OrderSideBuy,
		StrategyID:         strategyID,
		CertificationToken: token,
		IssuedAt:           time.Now(),
	}
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	v := NewVerifier(testSecret, time.Minute)
	assert.NoError(t, v.Verify(certifiedSignal(t, "momentum-v3")))
}

func TestVerifyRejectsMissingToken(t *testing.T) {
	v := NewVerifier(testSecret, time.Minute)
	sig := certifiedSignal(t, "momentum-v3")
	sig.CertificationToken = ""
	assert.ErrorIs(t, v.Verify(sig), ErrUncertified)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewVerifier("a-completely-different-secret", time.Minute)
	assert.ErrorIs(t, v.Verify(certifiedSignal(t, "momentum-v3")), ErrUncertified)
}

func TestVerifyRejectsStrategyMismatch(t *testing.T) {
	v := NewVerifier(testSecret, time.Minute)
	sig := certifiedSignal(t, "momentum-v3")
	// Token was signed for momentum-v3; the signal claims another strategy.
	sig.StrategyID = "meanrev-v1"
	assert.ErrorIs(t, v.Verify(sig), ErrUncertified)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	token, err := IssueToken(testSecret, "momentum-v3", "bt-1", -time.Minute)
	require.NoError(t, err)

	v := NewVerifier(testSecret, 0)
	sig := model.Signal{
		ID:                 uuid.New(),
		StrategyID:         "momentum-v3",
		CertificationToken: token,
		IssuedAt:           time.Now(),
	}
	assert.ErrorIs(t, v.Verify(sig), ErrUncertified)
}

func TestVerifyRejectsStaleSignal(t *testing.T) {
	v := NewVerifier(testSecret, 30*time.Second)
	sig := certifiedSignal(t, "momentum-v3")
	sig.IssuedAt = time.Now().Add(-time.Minute)
	assert.ErrorIs(t, v.Verify(sig), ErrStaleSignal)
}

func TestVerifyStalenessDisabledWhenZero(t *testing.T) {
	v := NewVerifier(testSecret, 0)
	sig := certifiedSignal(t, "momentum-v3")
	sig.IssuedAt = time.Now().Add(-24 * time.Hour)
	assert.NoError(t, v.Verify(sig))
}
