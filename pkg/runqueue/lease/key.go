package lease

import (
	"crypto/rand"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Key interface {
	// Name of the algorithm
	Alg() string

	// Expiration time of the key
	Exp() time.Time

	// Key to sign messages.
	ToSign() any

	// Key to verify messages.
	ToVerify() any
}

type KeyPolicy interface {
	// Issue a new key
	Issue() (Key, error)
}

type hs256Key struct {
	exp    time.Time
	secret []byte
}

func (k *hs256Key) Alg() string {
	return jwt.SigningMethodHS256.Name
}

func (k *hs256Key) Exp() time.Time {
	return k.exp
}

func (k *hs256Key) ToSign() any {
	return k.secret
}

func (k *hs256Key) ToVerify() any {
	return k.secret
}

type hs256Policy struct {
	ttl  time.Duration
	size int
}

// HS256 returns a KeyPolicy issuing random HMAC-SHA256 keys.
//
// # Args
//
// - ttl: lifetime of each key
//
// - size: length of the secret in bytes
func HS256(ttl time.Duration, size int) KeyPolicy {
	return &hs256Policy{ttl: ttl, size: size}
}

func (p *hs256Policy) Issue() (Key, error) {
	secret := make([]byte, p.size)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return &hs256Key{exp: time.Now().Add(p.ttl), secret: secret}, nil
}

type fixedKeyPolicy struct {
	k Key
}

// Fixed returns a KeyPolicy that always returns the same key.
func Fixed(k Key) KeyPolicy {
	return &fixedKeyPolicy{k: k}
}

func (fk *fixedKeyPolicy) Issue() (Key, error) {
	return fk.k, nil
}
