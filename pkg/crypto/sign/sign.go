// Package sign holds the signing and verification primitives for the grid
// protocol: ed25519 signatures over canonical transcripts for contracts and
// payments, and an HMAC-based connection proof derived from the agent secret.
package sign

import (
    "crypto/ed25519"
    "crypto/hmac"
    "crypto/sha256"
    "encoding/base64"
    "errors"
    "strings"
)

// SignEd25519 signs data with an ed25519 private key.
func SignEd25519(priv ed25519.PrivateKey, data []byte) []byte {
    return ed25519.Sign(priv, data)
}

// VerifyEd25519 verifies an ed25519 signature.
func VerifyEd25519(pub ed25519.PublicKey, data, sig []byte) bool {
    return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, data, sig)
}

// AuthProof computes the HMAC-SHA256 connection proof over a transcript.
func AuthProof(secret, transcript []byte) []byte {
    m := hmac.New(sha256.New, secret)
    m.Write(transcript)
    return m.Sum(nil)
}

// VerifyAuthProof checks a proof in constant time.
func VerifyAuthProof(secret, transcript, proof []byte) bool {
    return hmac.Equal(AuthProof(secret, transcript), proof)
}

var ErrBadIdentity = errors.New("sign: malformed identity")

// IdentityFromPubKey builds a canonical identity string from public key
// bytes: pk:ed25519:<base64url-nopad(pub)>.
func IdentityFromPubKey(pub ed25519.PublicKey) string {
    return "pk:ed25519:" + base64.RawURLEncoding.EncodeToString(pub)
}

// PubKeyFromIdentity parses a canonical identity back into a public key.
func PubKeyFromIdentity(id string) (ed25519.PublicKey, error) {
    parts := strings.SplitN(id, ":", 3)
    if len(parts) != 3 || parts[0] != "pk" || parts[1] != "ed25519" {
        return nil, ErrBadIdentity
    }
    b, err := base64.RawURLEncoding.DecodeString(parts[2])
    if err != nil || len(b) != ed25519.PublicKeySize {
        return nil, ErrBadIdentity
    }
    return ed25519.PublicKey(b), nil
}
