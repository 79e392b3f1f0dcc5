package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// RawKeySigner signs with an in-memory secp256k1 key. Dev and test only;
// config rejects it in production.
type RawKeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewRawKey parses a hex-encoded private key.
func NewRawKey(hexKey string) (*RawKeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &RawKeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// FromKey wraps an existing key, used by tests.
func FromKey(key *ecdsa.PrivateKey) *RawKeySigner {
	return &RawKeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *RawKeySigner) Address() common.Address { return s.addr }

func (s *RawKeySigner) SignDigest(_ context.Context, digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}

func (s *RawKeySigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}
