package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastex/marketd/internal/domain"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

func testRequest() domain.ActionRequest {
	return domain.ActionRequest{
		MarketID:  "mkt-1",
		Action:    domain.ActionOpenPosition,
		Initiator: "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1",
		Nonce:     7,
		Deadline:  1_900_000_000,
		Payload:   []byte(`{"side":"yes","collateral":"100000000","leverage":5}`),
	}
}

func TestSignAndVerify(t *testing.T) {
	signer, err := NewSigner(testKey)
	require.NoError(t, err)

	req := testRequest()
	sig, err := signer.SignAction(req)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	v := NewVerifier()
	assert.NoError(t, v.VerifyAction(req, sig, signer.Address()))
}

func TestVerify_WrongSigner(t *testing.T) {
	signer, err := NewSigner(testKey)
	require.NoError(t, err)

	sig, err := signer.SignAction(testRequest())
	require.NoError(t, err)

	v := NewVerifier()
	err = v.VerifyAction(testRequest(), sig, "0x0000000000000000000000000000000000000001")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerify_TamperedRequest(t *testing.T) {
	signer, err := NewSigner(testKey)
	require.NoError(t, err)

	sig, err := signer.SignAction(testRequest())
	require.NoError(t, err)

	// Any change to the signed fields must break verification.
	tampered := testRequest()
	tampered.Nonce = 8
	v := NewVerifier()
	assert.ErrorIs(t, v.VerifyAction(tampered, sig, signer.Address()), domain.ErrInvalidSignature)

	tampered = testRequest()
	tampered.MarketID = "mkt-2"
	assert.ErrorIs(t, v.VerifyAction(tampered, sig, signer.Address()), domain.ErrInvalidSignature)

	tampered = testRequest()
	tampered.Payload = []byte(`{"side":"no"}`)
	assert.ErrorIs(t, v.VerifyAction(tampered, sig, signer.Address()), domain.ErrInvalidSignature)
}

func TestVerify_MalformedSignature(t *testing.T) {
	v := NewVerifier()
	err := v.VerifyAction(testRequest(), []byte{1, 2, 3}, "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}
