package signer

import (
	"context"
	"encoding/asn1"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestRawKeySignerDigest(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := FromKey(key)

	digest := crypto.Keccak256([]byte("attestation digest"))
	sig, err := s.SignDigest(context.Background(), digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.Contains(t, []byte{0, 1}, sig[64])

	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	require.Equal(t, s.Address(), crypto.PubkeyToAddress(*pub))
}

func TestNewRawKeyAcceptsHexPrefix(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	s1, err := NewRawKey(hexKey)
	require.NoError(t, err)
	s2, err := NewRawKey("0x" + hexKey)
	require.NoError(t, err)
	require.Equal(t, s1.Address(), s2.Address())

	_, err = NewRawKey("zz")
	require.Error(t, err)
}

func TestRawKeySignerTx(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := FromKey(key)
	chainID := big.NewInt(1)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     1,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(100),
		Gas:       21000,
		To:        &common.Address{},
		Value:     big.NewInt(0),
	})
	signed, err := s.SignTx(context.Background(), tx, chainID)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	require.Equal(t, s.Address(), from)
}

func TestDecodeDER(t *testing.T) {
	r := big.NewInt(0).SetBytes([]byte{0x11, 0x22})
	sVal := big.NewInt(0).SetBytes([]byte{0x33, 0x44})
	raw, err := asn1.Marshal(derSignature{R: r, S: sVal})
	require.NoError(t, err)

	gotR, gotS, err := DecodeDER(raw)
	require.NoError(t, err)
	require.Zero(t, r.Cmp(gotR))
	require.Zero(t, sVal.Cmp(gotS))

	_, _, err = DecodeDER([]byte{0x01, 0x02})
	require.Error(t, err)

	_, _, err = DecodeDER(append(raw, 0xff))
	require.Error(t, err)
}
