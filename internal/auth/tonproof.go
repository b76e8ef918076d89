package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/xssnick/tonutils-go/address"
)

// TON Connect ton_proof constants.
const (
	TonProofPrefix   = "ton-proof-item-v2/"
	TonConnectPrefix = "ton-connect"
	MaxProofAge      = 5 * time.Minute
)

var ErrProofInvalid = errors.New("ton proof invalid")

// WalletProof is what a TON Connect wallet returns for a ton_proof request.
type WalletProof struct {
	Address   string `json:"address"` // raw "0:abcd..."
	Network   string `json:"network"`
	PublicKey string `json:"public_key"` // hex
	Proof     Proof  `json:"proof"`
}

type Proof struct {
	Timestamp int64       `json:"timestamp"`
	Domain    ProofDomain `json:"domain"`
	Payload   string      `json:"payload"`
	Signature string      `json:"signature"` // hex
}

type ProofDomain struct {
	LengthBytes int    `json:"lengthBytes"`
	Value       string `json:"value"`
}

// VerifyTonProof checks the wallet signature over
//
//	sha256(0xffff ++ "ton-connect" ++ sha256(message))
//
// where message is "ton-proof-item-v2/" ++ workchain(4 LE) ++ hash(32) ++
// domain_len(4 LE) ++ domain ++ timestamp(8 LE) ++ payload.
// On success it returns the wallet's user-friendly address.
func VerifyTonProof(wp WalletProof, allowedDomains []string, now time.Time) (string, error) {
	workchain, hash, err := ParseRawAddress(wp.Address)
	if err != nil {
		return "", err
	}

	proofTime := time.Unix(wp.Proof.Timestamp, 0)
	if now.Sub(proofTime) > MaxProofAge {
		return "", fmt.Errorf("%w: expired %s ago", ErrProofInvalid, now.Sub(proofTime).Round(time.Second))
	}
	if proofTime.After(now.Add(time.Minute)) {
		return "", fmt.Errorf("%w: timestamp in the future", ErrProofInvalid)
	}
	if len(allowedDomains) > 0 && !slices.Contains(allowedDomains, wp.Proof.Domain.Value) {
		return "", fmt.Errorf("%w: domain %q not allowed", ErrProofInvalid, wp.Proof.Domain.Value)
	}

	pubKey, err := hex.DecodeString(wp.PublicKey)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: bad public key", ErrProofInvalid)
	}
	sig, err := hex.DecodeString(wp.Proof.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "", fmt.Errorf("%w: bad signature encoding", ErrProofInvalid)
	}

	digest := proofDigest(workchain, hash, wp.Proof)
	if !ed25519.Verify(pubKey, digest[:], sig) {
		return "", fmt.Errorf("%w: signature mismatch", ErrProofInvalid)
	}

	return address.NewAddress(0, byte(workchain), hash).String(), nil
}

func proofDigest(workchain int32, hash []byte, p Proof) [32]byte {
	msg := []byte(TonProofPrefix)
	msg = binary.LittleEndian.AppendUint32(msg, uint32(workchain))
	msg = append(msg, hash...)
	msg = binary.LittleEndian.AppendUint32(msg, uint32(p.Domain.LengthBytes))
	msg = append(msg, p.Domain.Value...)
	msg = binary.LittleEndian.AppendUint64(msg, uint64(p.Timestamp))
	msg = append(msg, p.Payload...)

	msgHash := sha256.Sum256(msg)
	signed := append([]byte{0xff, 0xff}, TonConnectPrefix...)
	signed = append(signed, msgHash[:]...)
	return sha256.Sum256(signed)
}

// ParseRawAddress parses "<workchain>:<hex hash>".
func ParseRawAddress(raw string) (int32, []byte, error) {
	var wc int
	var hashHex string
	if n, _ := fmt.Sscanf(raw, "%d:%s", &wc, &hashHex); n != 2 {
		return 0, nil, fmt.Errorf("%w: raw address %q", ErrProofInvalid, raw)
	}
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: address hash: %v", ErrProofInvalid, err)
	}
	if len(hash) != 32 {
		return 0, nil, fmt.Errorf("%w: address hash must be 32 bytes, got %d", ErrProofInvalid, len(hash))
	}
	return int32(wc), hash, nil
}
