package signer

import (
	"context"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// secp256k1N and its half, for low-s normalization of KMS signatures.
var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
)

// KMSSigner signs through an AWS KMS asymmetric secp256k1 key. The private
// key never leaves the HSM; only DER signatures come back, which are
// normalized to Ethereum's recoverable r||s||v form here.
type KMSSigner struct {
	client *kms.Client
	keyID  string
	addr   common.Address
}

// NewKMS resolves the key's public address and returns the signer.
func NewKMS(ctx context.Context, keyID string) (*KMSSigner, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := kms.NewFromConfig(cfg)

	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: &keyID})
	if err != nil {
		return nil, fmt.Errorf("kms GetPublicKey: %w", err)
	}
	addr, err := addressFromSPKI(out.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KMSSigner{client: client, keyID: keyID, addr: addr}, nil
}

// addressFromSPKI extracts the uncompressed secp256k1 point from a DER
// SubjectPublicKeyInfo. crypto/x509 cannot parse secp256k1 keys, so the
// outer structure is unwrapped by hand.
func addressFromSPKI(der []byte) (common.Address, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return common.Address{}, fmt.Errorf("parse KMS public key: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(spki.PublicKey.Bytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshal KMS public key point: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func (s *KMSSigner) Address() common.Address { return s.addr }

func (s *KMSSigner) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            &s.keyID,
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("kms Sign: %w", err)
	}
	r, sv, err := DecodeDER(out.Signature)
	if err != nil {
		return nil, err
	}
	// KMS returns either s or N-s; Ethereum requires the low half.
	if sv.Cmp(secp256k1HalfN) > 0 {
		sv = new(big.Int).Sub(secp256k1N, sv)
	}

	sig := make([]byte, 65)
	r.FillBytes(sig[:32])
	sv.FillBytes(sig[32:64])
	for _, v := range []byte{0, 1} {
		sig[64] = v
		pub, err := crypto.SigToPub(digest, sig)
		if err != nil {
			continue
		}
		if crypto.PubkeyToAddress(*pub) == s.addr {
			return sig, nil
		}
	}
	return nil, fmt.Errorf("kms signature does not recover to %s", s.addr.Hex())
}

func (s *KMSSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	txSigner := types.LatestSignerForChainID(chainID)
	sig, err := s.SignDigest(ctx, txSigner.Hash(tx).Bytes())
	if err != nil {
		return nil, err
	}
	return tx.WithSignature(txSigner, sig)
}
