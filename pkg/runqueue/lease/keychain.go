package lease

import (
	"sync"
	"time"
)

type KeyRequirement func(kid string, k Key) bool

// WithAlg filters keys by the algorithm.
func WithAlg(alg string) KeyRequirement {
	return func(_ string, k Key) bool {
		return k.Alg() == alg
	}
}

// WithExpAfter filters keys expiring after t.
func WithExpAfter(t time.Time) KeyRequirement {
	return func(_ string, k Key) bool {
		return k.Exp().After(t)
	}
}

// WithKeyId filters keys by the Key ID.
func WithKeyId(kid string) KeyRequirement {
	return func(_kid string, _ Key) bool {
		return _kid == kid
	}
}

type Keychain interface {
	// GetKey a key from the keychain
	//
	// # Args
	//
	// - req: Requirements of the key. If multiple keys satisfy requirements, random one is returned.
	//
	// # Returns
	//
	// - string: Key ID of the key found. If not found, it returns an empty string
	//
	// - Key: The key found.
	//
	// - bool: True if the key is found
	GetKey(req ...KeyRequirement) (string, Key, bool)

	// Set a key in the keychain. If the key for Key ID exists, it is overwritten.
	Set(kid string, key Key)

	// Prune removes expired keys.
	Prune(now time.Time)
}

type keychain struct {
	mu   sync.RWMutex
	keys map[string]Key
}

// NewKeychain returns an empty keychain living in memory.
//
// Leases signed with it become invalid when the process restarts,
// and items are leased again after their leases expire.
func NewKeychain() Keychain {
	return &keychain{keys: map[string]Key{}}
}

func (kc *keychain) GetKey(req ...KeyRequirement) (string, Key, bool) {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
KEY:
	for kid, key := range kc.keys {
		for _, r := range req {
			if !r(kid, key) {
				continue KEY
			}
		}
		return kid, key, true
	}
	return "", nil, false
}

func (kc *keychain) Set(kid string, key Key) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.keys[kid] = key
}

func (kc *keychain) Prune(now time.Time) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	for kid, k := range kc.keys {
		if !k.Exp().After(now) {
			delete(kc.keys, kid)
		}
	}
}
