// Package lease signs and verifies leases on popped run-queue items.
//
// A lease is a JWS whose subject is the item id. An agent must present the lease
// it was given when it acks the item, so that an agent which lost its lease
// (because it expired and the item was popped again) cannot claim the item.
package lease

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrNoKeyFound = errors.New("no key found")
var ErrInvalidToken = errors.New("invalid token")

const issuer = "knitlaunch/runqueue"

// NewJWS signs for claim and returns a JWS token string
//
// # Args
//
// - kid: Key ID
//
// - k: Key to sign
//
// - claims: Claims to be signed
func NewJWS[C jwt.Claims](kid string, k Key, claims C) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = kid
	return tok.SignedString(k.ToSign())
}

// VerifyJWS verifies a JWS token and returns the claims.
//
// C should be a pointer to a struct implementing [jwt.Claims].
//
// # Returns
//
// - error: [ErrNoKeyFound] when no key in keychain can verify the token,
// [ErrInvalidToken] (joined with the cause) for malformed, forged or expired tokens,
// or other errors from [jwt.ParseWithClaims]
func VerifyJWS[C jwt.Claims](keychain Keychain, token string) (C, error) {
	now := time.Now()

	_c := *new(C)
	{
		rc := reflect.ValueOf(_c)
		if rc.Kind() != reflect.Ptr {
			return *new(C), errors.New("claims type must be a pointer")
		}
		_c = reflect.New(rc.Type().Elem()).Interface().(C)
	}

	tok, err := jwt.ParseWithClaims(token, _c, func(t *jwt.Token) (interface{}, error) {
		q := []KeyRequirement{
			WithExpAfter(now),
			WithAlg(t.Method.Alg()),
		}
		if kid, ok := t.Header["kid"].(string); ok {
			q = append(q, WithKeyId(kid))
		}
		_, k, ok := keychain.GetKey(q...)
		if !ok {
			return nil, ErrNoKeyFound
		}
		return k.ToVerify(), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) ||
			errors.Is(err, jwt.ErrSignatureInvalid) ||
			errors.Is(err, jwt.ErrTokenExpired) {
			return *new(C), errors.Join(ErrInvalidToken, err)
		}
		return *new(C), err
	}
	if c, ok := tok.Claims.(C); ok {
		return c, nil
	}
	return *new(C), fmt.Errorf("%w: unexpected claims type: %T", ErrInvalidToken, tok.Claims)
}

type Claims struct {
	jwt.RegisteredClaims

	// AgentID is the agent which popped the item.
	AgentID string `json:"agent_id,omitempty"`
}

// Issuer issues and verifies leases, rotating its signing key as needed.
type Issuer struct {
	mu       sync.Mutex
	keychain Keychain
	policy   KeyPolicy
	ttl      time.Duration
}

// NewIssuer returns an Issuer of leases valid for ttl.
//
// Signing keys live for a while longer than leases, so that
// a lease never outlives the key which signed it.
func NewIssuer(ttl time.Duration) *Issuer {
	return NewIssuerWithPolicy(ttl, NewKeychain(), HS256(ttl*4+time.Minute, 256/8))
}

func NewIssuerWithPolicy(ttl time.Duration, kc Keychain, policy KeyPolicy) *Issuer {
	return &Issuer{keychain: kc, policy: policy, ttl: ttl}
}

// TTL is the lifetime of leases.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a lease on an item for an agent.
//
// # Returns
//
// - string: lease token
//
// - time.Time: when the lease expires
func (i *Issuer) Issue(itemID string, agentID string) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(i.ttl)

	kid, k, err := i.signingKey(exp)
	if err != nil {
		return "", time.Time{}, err
	}

	tok, err := NewJWS(kid, k, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   itemID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		AgentID: agentID,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

func (i *Issuer) signingKey(until time.Time) (string, Key, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if kid, k, ok := i.keychain.GetKey(WithExpAfter(until)); ok {
		return kid, k, nil
	}
	k, err := i.policy.Issue()
	if err != nil {
		return "", nil, err
	}
	kid := uuid.NewString()
	i.keychain.Set(kid, k)
	i.keychain.Prune(time.Now())
	return kid, k, nil
}

// Verify checks the token is an unexpired lease on the item.
func (i *Issuer) Verify(token string, itemID string) (*Claims, error) {
	c, err := VerifyJWS[*Claims](i.keychain, token)
	if err != nil {
		return nil, err
	}
	if c.Subject != itemID || c.Issuer != issuer {
		return nil, fmt.Errorf("%w: lease is not for the item %s", ErrInvalidToken, itemID)
	}
	return c, nil
}
