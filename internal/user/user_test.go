package user

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
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
	"github.com/TONresistor/onion-relay/internal/path"
	"github.com/TONresistor/onion-relay/internal/transport"
)

var (
	keysOnce sync.Once
	privKeys []*rsa.PrivateKey
)

func testKeys(t *testing.T) []*rsa.PrivateKey {
	keysOnce.Do(func() {
		for i := 0; i < 3; i++ {
			_, priv, err := crypto.GenerateKeyPair()
			if err != nil {
				t.Fatal(err)
			}
			privKeys = append(privKeys, priv)
		}
	})
	return privKeys
}

type staticRelays struct {
	relays []onion.Relay
	err    error
}

func (s staticRelays) Relays(ctx context.Context) ([]onion.Relay, error) {
	return s.relays, s.err
}

// capture is a first hop that keeps every onion it is handed
type capture struct {
	mu     sync.Mutex
	onions [][]byte
	status int
}

func (c *capture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var msg transport.OnionMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		transport.WriteError(w, http.StatusBadRequest, err)
		return
	}
	c.mu.Lock()
	c.onions = append(c.onions, msg.Message)
	c.mu.Unlock()
	if c.status != 0 {
		transport.WriteError(w, c.status, errors.New("downstream failed"))
		return
	}
	transport.WriteJSON(w, http.StatusOK, transport.Success)
}

// testNetwork returns relays that all point at one capturing server
func testNetwork(t *testing.T) ([]onion.Relay, *capture) {
	c := &capture{}
	ts := httptest.NewServer(c)
	t.Cleanup(ts.Close)

	addr := strings.TrimPrefix(ts.URL, "http://")
	keys := testKeys(t)
	relays := make([]onion.Relay, len(keys))
	for i, k := range keys {
		relays[i] = onion.Relay{ID: i + 1, PublicKey: &k.PublicKey, Address: addr}
	}
	return relays, c
}

func keyFor(t *testing.T, id int) *rsa.PrivateKey {
	return testKeys(t)[id-1]
}

func newTestServer(t *testing.T, relays RelaySource) *Server {
	cfg := config.Default()
	cfg.Node.ID = 1
	return NewServerWithRelays(cfg, relays, zaptest.NewLogger(t))
}

func TestSendBuildsOnionForCircuit(t *testing.T) {
	relays, c := testNetwork(t)
	s := newTestServer(t, staticRelays{relays: relays})

	circuit, err := s.Send(context.Background(), "hello", 2, 3)
	require.NoError(t, err)
	require.Len(t, circuit, 3)
	require.Len(t, c.onions, 1)

	// Peel the whole onion with the keys of the chosen circuit.
	data := c.onions[0]
	for i, id := range circuit {
		layer, err := onion.Peel(keyFor(t, id), data)
		require.NoError(t, err)
		if i < len(circuit)-1 {
			nt, ok := layer.(onion.NonTerminalLayer)
			require.True(t, ok)
			data = nt.Inner
			continue
		}
		term, ok := layer.(onion.TerminalLayer)
		require.True(t, ok)
		assert.Equal(t, onion.DestinationID(2), term.Destination)
		assert.Equal(t, []byte("hello"), term.Plaintext)
	}

	sent, ok := s.LastSent()
	require.True(t, ok)
	assert.Equal(t, "hello", sent)
	assert.Equal(t, circuit, s.LastCircuit())
	assert.Equal(t, uint64(len(c.onions[0])), s.GetMetrics().Stats().BytesSent)
}

func TestSendDefaultPathLength(t *testing.T) {
	relays, _ := testNetwork(t)
	s := newTestServer(t, staticRelays{relays: relays})
	s.config.User.PathLength = 2

	circuit, err := s.Send(context.Background(), "hi", 0, 0)
	require.NoError(t, err)
	assert.Len(t, circuit, 2)
}

func TestSendFailsBeforeTransmission(t *testing.T) {
	relays, c := testNetwork(t)

	tests := []struct {
		name   string
		source staticRelays
		dest   int
		length int
		want   error
	}{
		{"too few relays", staticRelays{relays: relays}, 1, 4, path.ErrInsufficientRelays},
		{"negative length", staticRelays{relays: relays}, 1, -1, onion.ErrEmptyPath},
		{"negative destination", staticRelays{relays: relays}, -1, 3, ErrInvalidDestination},
		{"destination too large", staticRelays{relays: relays}, 1 << 33, 3, ErrInvalidDestination},
		{"directory down", staticRelays{err: errors.New("refused")}, 1, 3, ErrDirectory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.source)
			_, err := s.Send(context.Background(), "hello", tt.dest, tt.length)
			assert.ErrorIs(t, err, tt.want)

			_, ok := s.LastSent()
			assert.False(t, ok)
			assert.Empty(t, s.LastCircuit())
		})
	}

	assert.Empty(t, c.onions)
}

func TestSendFirstHopFailure(t *testing.T) {
	relays, c := testNetwork(t)
	c.status = http.StatusBadGateway
	s := newTestServer(t, staticRelays{relays: relays})

	_, err := s.Send(context.Background(), "hello", 1, 3)
	assert.ErrorIs(t, err, ErrTransmit)

	var se *transport.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)

	// The attempt is still recorded.
	assert.Len(t, s.LastCircuit(), 3)
}

func TestServerHandlers(t *testing.T) {
	relays, _ := testNetwork(t)
	s := newTestServer(t, staticRelays{relays: relays})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx := context.Background()
	c := transport.NewClient(time.Second)

	var res transport.Result
	require.NoError(t, c.GetJSON(ctx, ts.URL+"/getLastReceivedMessage", &res))
	assert.Nil(t, res.Result)

	id := 1
	delivery := transport.DeliveryMessage{Message: []byte("incoming"), DestinationUserID: &id}
	require.NoError(t, c.PostJSON(ctx, ts.URL+"/message", delivery, nil))
	require.NoError(t, c.GetJSON(ctx, ts.URL+"/getLastReceivedMessage", &res))
	assert.Equal(t, "incoming", res.Result)

	req := transport.SendMessageRequest{Message: "outgoing", DestinationUserID: 2, PathLength: 2}
	var ack transport.SuccessResponse
	require.NoError(t, c.PostJSON(ctx, ts.URL+"/sendMessage", req, &ack))
	assert.Equal(t, transport.Success, ack)

	require.NoError(t, c.GetJSON(ctx, ts.URL+"/getLastSentMessage", &res))
	assert.Equal(t, "outgoing", res.Result)

	var circuit struct {
		Result []int `json:"result"`
	}
	require.NoError(t, c.GetJSON(ctx, ts.URL+"/getLastCircuit", &circuit))
	assert.Len(t, circuit.Result, 2)

	// Path errors come back before anything is sent.
	req.PathLength = 10
	err := c.PostJSON(ctx, ts.URL+"/sendMessage", req, nil)
	var se *transport.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}

func TestDeliveryRequiresFields(t *testing.T) {
	s := newTestServer(t, staticRelays{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	bodies := []struct {
		name string
		body string
	}{
		{"empty object", `{}`},
		{"missing destination", `{"message":"aGk="}`},
		{"missing message", `{"destinationUserId":1}`},
		{"null message", `{"message":null,"destinationUserId":1}`},
	}

	for _, tt := range bodies {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/message", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	_, ok := s.LastReceived()
	assert.False(t, ok)

	// An empty message is still a message.
	resp, err := http.Post(ts.URL+"/message", "application/json", strings.NewReader(`{"message":"","destinationUserId":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got, ok := s.LastReceived()
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestDeliveryKeepsBinary(t *testing.T) {
	s := newTestServer(t, staticRelays{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	payload := []byte{0xff, 0x00, 0xfe, 'h', 'i'}
	id := 1
	msg := transport.DeliveryMessage{Message: payload, DestinationUserID: &id}
	require.NoError(t, transport.NewClient(time.Second).PostJSON(context.Background(), ts.URL+"/message", msg, nil))

	got, ok := s.LastReceived()
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestServerStartStop(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = 3
	cfg.Node.ListenAddr = "127.0.0.1"
	cfg.Node.AdvertiseHost = "127.0.0.1"
	cfg.User.BasePort = 0

	s := NewServer(cfg, zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	assert.NotEmpty(t, s.Address())

	resp, err := http.Get("http://" + s.Address() + "/status")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "live", string(body))

	require.NoError(t, s.Stop())
}
