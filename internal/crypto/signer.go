package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/forecastex/marketd/internal/domain"
)

// --------------------------------------------------------------------------
// Typed-message hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,string marketId)
	domainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,string marketId)"),
	)

	// MarketAction(string action,address initiator,uint256 nonce,uint256 deadline,bytes32 payloadHash)
	actionTypeHash = ethcrypto.Keccak256(
		[]byte("MarketAction(string action,address initiator,uint256 nonce,uint256 deadline,bytes32 payloadHash)"),
	)
)

const (
	domainName    = "Marketd"
	domainVersion = "1"
)

// ActionDigest computes the 32-byte digest that both the initiator and the
// authority sign for a given request. The digest is domain-bound to one
// market instance through the domain separator, so a signature can never be
// replayed against a different market.
func ActionDigest(req domain.ActionRequest) []byte {
	domainSep := ethcrypto.Keccak256(
		concatBytes(
			domainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			ethcrypto.Keccak256([]byte(req.MarketID)),
		),
	)

	initiator := common.HexToAddress(req.Initiator)
	structHash := ethcrypto.Keccak256(
		concatBytes(
			actionTypeHash,
			ethcrypto.Keccak256([]byte(req.Action)),
			common.LeftPadBytes(initiator.Bytes(), 32),
			bigIntTo32Bytes(new(big.Int).SetUint64(req.Nonce)),
			bigIntTo32Bytes(big.NewInt(req.Deadline)),
			ethcrypto.Keccak256(req.Payload),
		),
	)

	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// Signer signs market actions with a secp256k1 private key. Used by the
// authority co-signer and by tests standing in for end users.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the hex address derived from the signer's private key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignAction signs the request digest, returning a 65-byte r||s||v signature
// with v in {27,28}.
func (s *Signer) SignAction(req domain.ActionRequest) ([]byte, error) {
	sig, err := ethcrypto.Sign(ActionDigest(req), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// Verifier recovers the signer address of an action signature and checks it
// against the expected signer. It implements domain.ActionVerifier.
type Verifier struct{}

// NewVerifier creates a Verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// VerifyAction recovers the public key from sig over the request digest and
// compares the derived address with expectedSigner (hex, case-insensitive).
func (v *Verifier) VerifyAction(req domain.ActionRequest, sig []byte, expectedSigner string) error {
	if len(sig) != 65 {
		return fmt.Errorf("crypto/verifier: %d-byte signature: %w", len(sig), domain.ErrInvalidSignature)
	}

	// Normalize v back to {0,1} for recovery.
	rsv := make([]byte, 65)
	copy(rsv, sig)
	if rsv[64] >= 27 {
		rsv[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(ActionDigest(req), rsv)
	if err != nil {
		return fmt.Errorf("crypto/verifier: recover: %w", domain.ErrInvalidSignature)
	}

	recovered := ethcrypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(expectedSigner) {
		return fmt.Errorf("crypto/verifier: signer %s: %w", recovered.Hex(), domain.ErrInvalidSignature)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func concatBytes(chunks ...[]byte) []byte {
	var total int
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}
