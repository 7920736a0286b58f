package directory

import (
	"context"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TONresistor/onion-relay/internal/config"
	"github.com/TONresistor/onion-relay/internal/crypto"
	"github.com/TONresistor/onion-relay/internal/onion"
	"github.com/TONresistor/onion-relay/internal/transport"
)

var (
	keysOnce sync.Once
	testKeys []*rsa.PublicKey
)

func publicKeys(t *testing.T) []*rsa.PublicKey {
	keysOnce.Do(func() {
		for i := 0; i < 3; i++ {
			pub, _, err := crypto.GenerateKeyPair()
			if err != nil {
				t.Fatal(err)
			}
			testKeys = append(testKeys, pub)
		}
	})
	return testKeys
}

func exported(t *testing.T, pub *rsa.PublicKey) string {
	s, err := crypto.ExportPublicKey(pub)
	require.NoError(t, err)
	return s
}

func TestRegistryRegister(t *testing.T) {
	keys := publicKeys(t)
	r := NewRegistry(zaptest.NewLogger(t))

	require.NoError(t, r.Register(1, exported(t, keys[0]), "127.0.0.1:4001"))
	require.NoError(t, r.Register(2, exported(t, keys[1]), "127.0.0.1:4002"))

	assert.Equal(t, 2, r.Count())
	n, ok := r.Get(2)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:4002", n.Address)

	nodes := r.Nodes()
	assert.Equal(t, []int{1, 2}, []int{nodes[0].ID, nodes[1].ID})
}

func TestRegistryRejects(t *testing.T) {
	keys := publicKeys(t)
	r := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, r.Register(1, exported(t, keys[0]), "127.0.0.1:4001"))

	tests := []struct {
		name    string
		id      int
		key     string
		addr    string
		wantErr error
	}{
		{"duplicate id", 1, exported(t, keys[1]), "127.0.0.1:4009", ErrDuplicateID},
		{"duplicate key", 2, exported(t, keys[0]), "127.0.0.1:4002", ErrDuplicateKey},
		{"invalid key", 3, "not-a-key", "127.0.0.1:4003", ErrInvalidKey},
		{"missing address", 4, exported(t, keys[2]), "", onion.ErrInvalidAddress},
		{"long address", 5, exported(t, keys[2]), strings.Repeat("a", 256), onion.ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.id, tt.key, tt.addr)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Equal(t, 1, r.Count())
}

func TestRelays(t *testing.T) {
	keys := publicKeys(t)
	nodes := []Node{
		{ID: 1, PubKey: exported(t, keys[0]), Address: "a:1"},
		{ID: 2, PubKey: exported(t, keys[1]), Address: "b:2"},
	}

	relays, err := Relays(nodes)
	require.NoError(t, err)
	require.Len(t, relays, 2)
	assert.True(t, keys[1].Equal(relays[1].PublicKey))
	assert.Equal(t, "b:2", relays[1].Address)

	nodes = append(nodes, Node{ID: 3, PubKey: "bogus", Address: "c:3"})
	_, err = Relays(nodes)
	assert.ErrorIs(t, err, crypto.ErrKeyFormat)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	s := NewServer(config.Default(), zaptest.NewLogger(t))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestServerRegisterAndList(t *testing.T) {
	keys := publicKeys(t)
	_, ts := newTestServer(t)
	c := NewClient(ts.URL, time.Second)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, 1, keys[0], "127.0.0.1:4001"))
	require.NoError(t, c.Register(ctx, 2, keys[1], "127.0.0.1:4002"))

	relays, err := c.Relays(ctx)
	require.NoError(t, err)
	require.Len(t, relays, 2)
	assert.Equal(t, 1, relays[0].ID)
	assert.True(t, keys[0].Equal(relays[0].PublicKey))
}

func TestServerRegisterErrors(t *testing.T) {
	keys := publicKeys(t)
	_, ts := newTestServer(t)
	c := NewClient(ts.URL, time.Second)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, 1, keys[0], "127.0.0.1:4001"))

	err := c.Register(ctx, 1, keys[1], "127.0.0.1:4001")
	var se *transport.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)

	// Raw request with a key that does not parse.
	tc := transport.NewClient(time.Second)
	err = tc.PostJSON(ctx, ts.URL+"/registerNode", RegisterRequest{NodeID: 9, PubKey: "abc", Address: "x:1"}, nil)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Contains(t, se.Message, ErrInvalidKey.Error())
}

func TestServerStatus(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerStartStop(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ListenAddr = "127.0.0.1"
	cfg.Registry.Port = 0

	s := NewServer(cfg, zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	assert.NotZero(t, s.Port())
	require.NoError(t, s.Stop())
}
