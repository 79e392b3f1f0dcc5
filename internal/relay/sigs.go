package relay

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/luthatdude/musd-canton-relay/internal/chain"
	"github.com/luthatdude/musd-canton-relay/internal/signer"
)

// encodePackedAttestation reproduces the Solidity abi.encodePacked layout
// the bridge hashes: uint256 fields left-padded to 32 bytes, bytes32 raw,
// the bridge address as 20 bytes. A non-nil id is prepended (message form).
func encodePackedAttestation(id *common.Hash, att chain.Attestation, bridge common.Address) []byte {
	var buf bytes.Buffer
	if id != nil {
		buf.Write(id.Bytes())
	}
	buf.Write(common.LeftPadBytes(att.Nonce.Bytes(), 32))
	buf.Write(common.LeftPadBytes(att.CantonAssets.Bytes(), 32))
	buf.Write(common.LeftPadBytes(att.Timestamp.Bytes(), 32))
	buf.Write(att.Entropy[:])
	buf.Write(att.LedgerStateHash[:])
	buf.Write(common.LeftPadBytes(att.ChainId.Bytes(), 32))
	buf.Write(bridge.Bytes())
	return buf.Bytes()
}

// AttestationID derives the Chain-side attestation id. Once consumed on
// the Chain this id is never reusable.
func AttestationID(att chain.Attestation, bridge common.Address) common.Hash {
	return crypto.Keccak256Hash(encodePackedAttestation(nil, att, bridge))
}

// SigningDigest returns the recoverable digest validators sign: the packed
// message (id-prefixed) is keccak-hashed, then run through the standard
// personal-sign prefix.
func SigningDigest(id common.Hash, att chain.Attestation, bridge common.Address) []byte {
	msg := crypto.Keccak256(encodePackedAttestation(&id, att, bridge))
	return accounts.TextHash(msg)
}

// acceptSignature validates one validator signature against the digest and
// the validator's registered address. Raw 65-byte r||s||v with v∈{27,28}
// is taken directly; anything else is parsed as ASN.1 DER and both
// recovery ids are tried. The returned signature is in the 65-byte form
// the on-chain verifier expects (v∈{27,28}).
func acceptSignature(digest, raw []byte, want common.Address) ([]byte, bool) {
	recoversTo := func(sig []byte) bool {
		pub, err := crypto.SigToPub(digest, sig)
		if err != nil {
			return false
		}
		return crypto.PubkeyToAddress(*pub) == want
	}

	if len(raw) == 65 && (raw[64] == 27 || raw[64] == 28) {
		sig := append([]byte(nil), raw...)
		sig[64] -= 27
		if recoversTo(sig) {
			return append([]byte(nil), raw...), true
		}
		return nil, false
	}

	r, s, err := signer.DecodeDER(raw)
	if err != nil {
		return nil, false
	}
	sig := make([]byte, 65)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:64])
	for v := byte(0); v <= 1; v++ {
		sig[64] = v
		if recoversTo(sig) {
			out := append([]byte(nil), sig...)
			out[64] = v + 27
			return out, true
		}
	}
	return nil, false
}

// signedBy pairs an accepted signature with its recovered signer.
type signedBy struct {
	addr common.Address
	sig  []byte
}

// sortBySigner orders signatures by recovered address ascending, the order
// the on-chain verifier requires.
func sortBySigner(sigs []signedBy) [][]byte {
	sort.Slice(sigs, func(i, j int) bool {
		return bytes.Compare(sigs[i].addr.Bytes(), sigs[j].addr.Bytes()) < 0
	})
	out := make([][]byte, len(sigs))
	for i, s := range sigs {
		out[i] = s.sig
	}
	return out
}
