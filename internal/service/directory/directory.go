// Package directory caches verified public signing keys by user id.
package directory

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
)

// Fetcher resolves a user's public key remotely on a cache miss.
type Fetcher interface {
	FetchUserKey(ctx context.Context, userID string) (ed25519.PublicKey, error)
}

// Directory is a process-lifetime cache: entries are inserted on first
// lookup (or at construction for the local user) and never evicted. Keys are
// immutable once registered, so a racing duplicate fetch overwriting the same
// value is harmless.
type Directory struct {
	fetch Fetcher

	mu   sync.Mutex
	keys map[string]ed25519.PublicKey
}

func New(fetch Fetcher) *Directory {
	return &Directory{
		fetch: fetch,
		keys:  make(map[string]ed25519.PublicKey),
	}
}

// Put inserts a key directly, used for the self-entry at client construction.
func (d *Directory) Put(userID string, key ed25519.PublicKey) {
	d.mu.Lock()
	d.keys[userID] = key
	d.mu.Unlock()
}

// Get returns the cached key for userID, fetching it remotely on a miss.
// Fetch failures are not cached.
func (d *Directory) Get(ctx context.Context, userID string) (ed25519.PublicKey, error) {
	d.mu.Lock()
	key, ok := d.keys[userID]
	d.mu.Unlock()
	if ok {
		return key, nil
	}

	key, err := d.fetch.FetchUserKey(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}

	d.mu.Lock()
	d.keys[userID] = key
	d.mu.Unlock()
	return key, nil
}
