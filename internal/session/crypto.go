package session

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/agentpay/internal/rng"
)

// GenerateKeypair produces a fresh secp256k1 scalar via the supplied Rng,
// retrying on the (astronomically unlikely) case the random bytes do not
// form a valid scalar.
func GenerateKeypair(r rng.Rng) (*ecdsa.PrivateKey, error) {
	for attempt := 0; attempt < 8; attempt++ {
		b, err := r.Bytes(32)
		if err != nil {
			return nil, fmt.Errorf("session: generate keypair: %w", err)
		}
		priv, err := crypto.ToECDSA(b)
		if err == nil {
			return priv, nil
		}
	}
	return nil, fmt.Errorf("session: generate keypair: exhausted retries")
}

// MarshalPublicKey returns the uncompressed secp256k1 point for priv.
func MarshalPublicKey(priv *ecdsa.PrivateKey) []byte {
	return crypto.FromECDSAPub(&priv.PublicKey)
}

// KeyHash computes the session's stable chain-agnostic identifier from
// its uncompressed public key: Keccak256, hex-encoded.
func KeyHash(publicKey []byte) string {
	return "0x" + fmt.Sprintf("%x", crypto.Keccak256(publicKey))
}

// DerivedAddress returns the Ethereum address derived from an uncompressed
// secp256k1 public key, used as Authorization.from by AuthorizationSigner.
func DerivedAddress(publicKey []byte) (string, error) {
	pub, err := crypto.UnmarshalPubkey(publicKey)
	if err != nil {
		return "", fmt.Errorf("session: unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
