// Package signer is the narrow signing capability the relay depends on:
// one address, digest signatures, and transaction signatures. Two variants
// exist: a raw in-memory key for dev/test and an AWS KMS-backed signer for
// production.
package signer

import (
	"context"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer signs digests and transactions for a single Chain address.
type Signer interface {
	Address() common.Address
	// SignDigest returns a 65-byte r||s||v signature with v in {0,1}.
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type derSignature struct {
	R, S *big.Int
}

// DecodeDER parses an ASN.1 DER-encoded ECDSA signature into (r, s).
func DecodeDER(sig []byte) (*big.Int, *big.Int, error) {
	var der derSignature
	rest, err := asn1.Unmarshal(sig, &der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse DER signature: %w", err)
	}
	if len(rest) != 0 {
		return nil, nil, fmt.Errorf("trailing bytes after DER signature")
	}
	if der.R == nil || der.S == nil || der.R.Sign() <= 0 || der.S.Sign() <= 0 {
		return nil, nil, fmt.Errorf("non-positive DER signature component")
	}
	return der.R, der.S, nil
}
