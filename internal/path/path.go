// Package path chooses the relays an onion travels through.
package path

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/TONresistor/onion-relay/internal/onion"
)

var ErrInsufficientRelays = errors.New("not enough relays")

// Select picks length distinct relays uniformly at random without
// replacement. Relays whose id is listed in exclude (the sender, the
// destination) are never chosen; repeated ids in relays count once.
func Select(relays []onion.Relay, length int, exclude ...int) ([]onion.Relay, error) {
	if length < 1 {
		return nil, fmt.Errorf("%w: path length must be positive, got %d", onion.ErrEmptyPath, length)
	}

	skip := make(map[int]struct{}, len(exclude)+len(relays))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	candidates := make([]onion.Relay, 0, len(relays))
	for _, r := range relays {
		if _, ok := skip[r.ID]; ok {
			continue
		}
		skip[r.ID] = struct{}{}
		candidates = append(candidates, r)
	}

	if len(candidates) < length {
		return nil, fmt.Errorf("%w: need %d, found %d", ErrInsufficientRelays, length, len(candidates))
	}

	return selectRandom(candidates, length), nil
}

// selectRandom runs a partial Fisher-Yates shuffle over a copy of relays and
// returns the first n.
func selectRandom(relays []onion.Relay, n int) []onion.Relay {
	result := make([]onion.Relay, len(relays))
	copy(result, relays)

	for i := 0; i < n; i++ {
		j := i + randInt(len(result)-i)
		result[i], result[j] = result[j], result[i]
	}

	return result[:n]
}

// randInt returns a random int in [0, n)
func randInt(n int) int {
	if n <= 0 {
		return 0
	}
	r, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(r.Int64())
}
