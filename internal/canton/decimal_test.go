package canton

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFixed18(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1000.0", "1000000000000000000000"},
		{"0.25", "250000000000000000"},
		{"1", "1000000000000000000"},
		{".5", "500000000000000000"},
		{"-2.5", "-2500000000000000000"},
		{"0.000000000000000001", "1"},
		{" 42.0 ", "42000000000000000000"},
	}
	for _, c := range cases {
		got, err := ParseFixed18(c.in)
		require.NoError(t, err, c.in)
		require.Equal(t, c.want, got.String(), c.in)
	}
}

func TestParseFixed18Rejects(t *testing.T) {
	for _, in := range []string{
		"0.0000000000000000001", // 19 fractional digits
		"abc",
		"1.2.3",
		"1,5",
	} {
		_, err := ParseFixed18(in)
		require.Error(t, err, in)
	}
}

func TestFormatFixed18(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1000000000000000000000", "1000.0"},
		{"250000000000000000", "0.25"},
		{"1", "0.000000000000000001"},
		{"-2500000000000000000", "-2.5"},
		{"0", "0.0"},
	}
	for _, c := range cases {
		v, ok := new(big.Int).SetString(c.in, 10)
		require.True(t, ok)
		require.Equal(t, c.want, FormatFixed18(v), c.in)
	}
}

func TestFixed18RoundTrip(t *testing.T) {
	for _, s := range []string{"1000.0", "0.25", "123456.789", "-0.5"} {
		v, err := ParseFixed18(s)
		require.NoError(t, err)
		require.Equal(t, s, FormatFixed18(v))
	}
}

func TestValidParty(t *testing.T) {
	require.True(t, ValidParty("alice::aabbccdd"))
	require.True(t, ValidParty("relay-operator::1220deadbeef"))
	require.False(t, ValidParty("alice"))
	require.False(t, ValidParty("alice::XYZ"))
	require.False(t, ValidParty("::aabbccdd"))
	require.False(t, ValidParty("alice::abc")) // fingerprint too short
}

func TestPartyHint(t *testing.T) {
	require.Equal(t, "alice", PartyHint("alice::1220deadbeef"))
	require.Equal(t, "noseparator", PartyHint("noseparator"))
}
