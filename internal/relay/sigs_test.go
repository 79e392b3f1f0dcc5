package relay

import (
	"encoding/asn1"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/luthatdude/musd-canton-relay/internal/chain"
)

func testAttestation() (chain.Attestation, common.Address) {
	return chain.Attestation{
		Nonce:           big.NewInt(5),
		CantonAssets:    mustWad("1000.0"),
		Timestamp:       big.NewInt(1_760_000_000),
		Entropy:         common.HexToHash("0x01"),
		LedgerStateHash: common.Hash{},
		ChainId:         big.NewInt(1),
	}, common.HexToAddress("0x000000000000000000000000000000000000b21d")
}

func TestAttestationIDDeterministic(t *testing.T) {
	att, bridge := testAttestation()
	id1 := AttestationID(att, bridge)
	id2 := AttestationID(att, bridge)
	require.Equal(t, id1, id2)

	att.Nonce = big.NewInt(6)
	require.NotEqual(t, id1, AttestationID(att, bridge))
}

func TestAttestationIDDependsOnBridgeAddress(t *testing.T) {
	att, bridge := testAttestation()
	other := common.HexToAddress("0x000000000000000000000000000000000000dead")
	require.NotEqual(t, AttestationID(att, bridge), AttestationID(att, other))
}

func TestAcceptSignatureRaw(t *testing.T) {
	att, bridge := testAttestation()
	id := AttestationID(att, bridge)
	digest := SigningDigest(id, att, bridge)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27

	out, ok := acceptSignature(digest, sig, addr)
	require.True(t, ok)
	require.Len(t, out, 65)
	require.Contains(t, []byte{27, 28}, out[64])
}

func TestAcceptSignatureRejectsWrongSigner(t *testing.T) {
	att, bridge := testAttestation()
	id := AttestationID(att, bridge)
	digest := SigningDigest(id, att, bridge)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27

	other := common.HexToAddress("0x000000000000000000000000000000000000beef")
	_, ok := acceptSignature(digest, sig, other)
	require.False(t, ok)
}

func TestAcceptSignatureDER(t *testing.T) {
	att, bridge := testAttestation()
	id := AttestationID(att, bridge)
	digest := SigningDigest(id, att, bridge)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	raw, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	der, err := asn1.Marshal(struct{ R, S *big.Int }{
		new(big.Int).SetBytes(raw[:32]),
		new(big.Int).SetBytes(raw[32:64]),
	})
	require.NoError(t, err)

	out, ok := acceptSignature(digest, der, addr)
	require.True(t, ok)
	require.Len(t, out, 65)
	require.Contains(t, []byte{27, 28}, out[64])

	pub, err := crypto.SigToPub(digest, append(out[:64:64], out[64]-27))
	require.NoError(t, err)
	require.Equal(t, addr, crypto.PubkeyToAddress(*pub))
}

func TestSortBySignerAscending(t *testing.T) {
	sigs := []signedBy{
		{addr: common.HexToAddress("0x0000000000000000000000000000000000000003"), sig: []byte{3}},
		{addr: common.HexToAddress("0x0000000000000000000000000000000000000001"), sig: []byte{1}},
		{addr: common.HexToAddress("0x0000000000000000000000000000000000000002"), sig: []byte{2}},
	}
	out := sortBySigner(sigs)
	require.Equal(t, [][]byte{{1}, {2}, {3}}, out)
}
