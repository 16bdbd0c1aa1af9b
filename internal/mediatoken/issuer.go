// Package mediatoken issues credentials for the media transport provider.
package mediatoken

import (
	"context"
	"fmt"
	"time"

	amora_errors "amora-realtime/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Grant is what a token allows its holder to do in one room.
type Grant struct {
	Room      string `json:"room"`
	RoomJoin  bool   `json:"roomJoin"`
	Publish   bool   `json:"canPublish"`
	Subscribe bool   `json:"canSubscribe"`
}

type Claims struct {
	Identity string `json:"identity"`
	Video    Grant  `json:"video"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

func NewIssuer(secret, issuer string, ttl time.Duration, clk clock.Clock) *Issuer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, clock: clk}
}

// Token returns a signed credential letting identity join room.
func (i *Issuer) Token(ctx context.Context, room, identity string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if room == "" || identity == "" {
		return "", fmt.Errorf("%w: room and identity are required", amora_errors.ErrInvalidInput)
	}

	now := i.clock.Now()
	claims := Claims{
		Identity: identity,
		Video: Grant{
			Room:      room,
			RoomJoin:  true,
			Publish:   true,
			Subscribe: true,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Parse validates a token issued by i.
func (i *Issuer) Parse(tokenString string) (Claims, error) {
	if tokenString == "" {
		return Claims{}, amora_errors.ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, amora_errors.ErrUnauthorized
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithTimeFunc(i.clock.Now))
	if err != nil {
		return Claims{}, amora_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, amora_errors.ErrUnauthorized
	}
	return *claims, nil
}

func (i *Issuer) TTL() time.Duration { return i.ttl }
