package onion

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TONresistor/onion-relay/internal/crypto"
)

type testRelay struct {
	Relay
	priv *rsa.PrivateKey
}

var (
	relaysOnce sync.Once
	relays     []testRelay
)

// testRelays returns n relays with ids 1..n. Keys are generated once per run.
func testRelays(t testing.TB, n int) []testRelay {
	relaysOnce.Do(func() {
		for i := 1; i <= 5; i++ {
			pub, priv, err := crypto.GenerateKeyPair()
			if err != nil {
				t.Fatal(err)
			}
			relays = append(relays, testRelay{
				Relay: Relay{ID: i, PublicKey: pub, Address: fmt.Sprintf("127.0.0.1:%d", 4000+i)},
				priv:  priv,
			})
		}
	})
	if n > len(relays) {
		t.Fatalf("only %d test relays available", len(relays))
	}
	return relays[:n]
}

func pathOf(rs []testRelay) []Relay {
	path := make([]Relay, len(rs))
	for i, r := range rs {
		path[i] = r.Relay
	}
	return path
}

// walk peels data through rs in order and returns the terminal layer.
func walk(t *testing.T, rs []testRelay, data []byte) TerminalLayer {
	t.Helper()
	current := data
	for i, r := range rs {
		layer, err := Peel(r.priv, current)
		require.NoError(t, err, "hop %d", i)

		switch l := layer.(type) {
		case NonTerminalLayer:
			require.Less(t, i, len(rs)-1, "hop %d should be terminal", i)
			assert.Equal(t, rs[i+1].Address, l.NextHop)
			current = l.Inner
		case TerminalLayer:
			require.Equal(t, len(rs)-1, i, "hop %d terminated early", i)
			return l
		}
	}
	t.Fatal("no terminal layer reached")
	return TerminalLayer{}
}

func TestBuildPeelScenario(t *testing.T) {
	rs := testRelays(t, 3)

	data, err := Build([]byte("hello"), 42, pathOf(rs))
	require.NoError(t, err)

	final := walk(t, rs, data)
	assert.Equal(t, DestinationID(42), final.Destination)
	assert.Equal(t, []byte("hello"), final.Plaintext)
}

func TestBuildPeelPathLengths(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("x"),
		bytes.Repeat([]byte("onion"), 1000),
	}

	for n := 1; n <= 5; n++ {
		for _, p := range payloads {
			t.Run(fmt.Sprintf("hops=%d/len=%d", n, len(p)), func(t *testing.T) {
				rs := testRelays(t, n)
				data, err := Build(p, DestinationID(n), pathOf(rs))
				require.NoError(t, err)

				final := walk(t, rs, data)
				assert.Equal(t, DestinationID(n), final.Destination)
				assert.True(t, bytes.Equal(p, final.Plaintext))
			})
		}
	}
}

func TestPeelSkippingFirstHopFails(t *testing.T) {
	rs := testRelays(t, 3)

	data, err := Build([]byte("hello"), 42, pathOf(rs))
	require.NoError(t, err)

	_, err = Peel(rs[1].priv, data)
	assert.ErrorIs(t, err, ErrRelayProcessing)
	assert.ErrorIs(t, err, crypto.ErrDecryption)
}

func TestLayerIsolation(t *testing.T) {
	rs := testRelays(t, 4)

	data, err := Build([]byte("isolated"), 7, pathOf(rs))
	require.NoError(t, err)

	current := data
	for k := range rs {
		for j := range rs {
			if j == k {
				continue
			}
			_, err := Peel(rs[j].priv, current)
			require.ErrorIs(t, err, ErrRelayProcessing, "layer %d opened by relay %d", k, j)
		}

		layer, err := Peel(rs[k].priv, current)
		require.NoError(t, err)
		if l, ok := layer.(NonTerminalLayer); ok {
			current = l.Inner
		}
	}
}

func TestTamperDetection(t *testing.T) {
	rs := testRelays(t, 2)

	data, err := Build([]byte("tamper"), 1, pathOf(rs))
	require.NoError(t, err)

	asymSize := rs[0].priv.Size()
	symStart := asymSize + crypto.NonceSize

	// Flip one bit in every byte of the symmetric ciphertext, rotating the bit.
	for i := symStart; i < len(data); i++ {
		tampered := append([]byte(nil), data...)
		tampered[i] ^= 1 << (i % 8)

		_, err := Peel(rs[0].priv, tampered)
		require.ErrorIs(t, err, crypto.ErrAuthentication, "byte %d", i)
	}

	// A modified nonce fails authentication as well.
	tampered := append([]byte(nil), data...)
	tampered[asymSize] ^= 0x80
	_, err = Peel(rs[0].priv, tampered)
	assert.ErrorIs(t, err, crypto.ErrAuthentication)

	// A modified wrapped key fails to unwrap.
	tampered = append([]byte(nil), data...)
	tampered[0] ^= 0x01
	_, err = Peel(rs[0].priv, tampered)
	assert.ErrorIs(t, err, crypto.ErrDecryption)
}

func TestBuildEmptyPath(t *testing.T) {
	_, err := Build([]byte("x"), 1, nil)
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestBuildDuplicateRelay(t *testing.T) {
	rs := testRelays(t, 2)
	path := []Relay{rs[0].Relay, rs[1].Relay, rs[0].Relay}

	_, err := Build([]byte("x"), 1, path)
	assert.ErrorIs(t, err, ErrDuplicateRelay)
}

func TestBuildInvalidAddress(t *testing.T) {
	rs := testRelays(t, 2)

	noAddr := rs[1].Relay
	noAddr.Address = ""
	_, err := Build([]byte("x"), 1, []Relay{rs[0].Relay, noAddr})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	longAddr := rs[1].Relay
	longAddr.Address = string(bytes.Repeat([]byte("a"), MaxAddressLen+1))
	_, err = Build([]byte("x"), 1, []Relay{rs[0].Relay, longAddr})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	// The last relay's address is never encoded.
	_, err = Build([]byte("x"), 1, []Relay{noAddr})
	assert.NoError(t, err)
}

func TestBuildNilKey(t *testing.T) {
	_, err := Build([]byte("x"), 1, []Relay{{ID: 1, Address: "a:1"}})
	assert.ErrorIs(t, err, crypto.ErrKeyFormat)
}

func TestPeelMalformed(t *testing.T) {
	rs := testRelays(t, 1)

	_, err := Peel(rs[0].priv, []byte("short"))
	assert.ErrorIs(t, err, ErrRelayProcessing)
	assert.ErrorIs(t, err, ErrMalformedOnion)

	_, err = Peel(nil, []byte("short"))
	assert.ErrorIs(t, err, crypto.ErrKeyFormat)
}

func TestPeelMalformedPlaintext(t *testing.T) {
	rs := testRelays(t, 1)

	tests := []struct {
		name string
		pt   []byte
	}{
		{"empty", []byte{}},
		{"truncated destination", []byte{0, 1, 2}},
		{"truncated address", []byte{10, 'a', 'b'}},
		{"missing inner", []byte{3, 'a', ':', '1'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := sealLayer(rs[0].PublicKey, tt.pt)
			require.NoError(t, err)

			_, err = Peel(rs[0].priv, data)
			assert.ErrorIs(t, err, ErrRelayProcessing)
			assert.ErrorIs(t, err, ErrMalformedOnion)
		})
	}
}

func TestDecodeLayer(t *testing.T) {
	fwd, err := encodeForward("10.0.0.1:4002", []byte("inner"))
	require.NoError(t, err)

	layer, err := decodeLayer(fwd)
	require.NoError(t, err)
	assert.Equal(t, NonTerminalLayer{NextHop: "10.0.0.1:4002", Inner: []byte("inner")}, layer)

	layer, err = decodeLayer(encodeTerminal(0xdeadbeef, []byte("msg")))
	require.NoError(t, err)
	assert.Equal(t, TerminalLayer{Destination: 0xdeadbeef, Plaintext: []byte("msg")}, layer)

	// Terminal sentinel, then big-endian destination.
	assert.Equal(t, []byte{0, 0, 0, 0, 42, 'h', 'i'}, encodeTerminal(42, []byte("hi")))
}

func TestLayerSize(t *testing.T) {
	rs := testRelays(t, 3)
	plaintext := []byte("hello")

	data, err := Build(plaintext, 42, pathOf(rs))
	require.NoError(t, err)

	overhead := rs[0].priv.Size() + crypto.NonceSize + crypto.TagSize
	want := 3*overhead + 1 + 4 + len(plaintext) // terminal layer
	for _, r := range rs[1:] {
		want += 1 + len(r.Address)
	}
	assert.Equal(t, want, len(data))
}

func BenchmarkBuild3Hops(b *testing.B) {
	rs := testRelays(b, 3)
	path := pathOf(rs)
	payload := make([]byte, 1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Build(payload, 1, path); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPeel(b *testing.B) {
	rs := testRelays(b, 3)
	data, err := Build(make([]byte, 1024), 1, pathOf(rs))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Peel(rs[0].priv, data); err != nil {
			b.Fatal(err)
		}
	}
}
