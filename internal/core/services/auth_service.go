package services

import (
	"errors"
	"time"

	"sharechannel/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// AuthService issues and checks rendezvous tokens. A token binds exactly one
// peer id; a registration for any other id is rejected.
type AuthService interface {
	GenerateToken(peerID domain.PeerID, userName string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	VerifyPeerToken(tokenString string, peerID domain.PeerID) error
}

type Claims struct {
	PeerID   domain.PeerID `json:"peer_id"`
	UserName string        `json:"user_name,omitempty"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	issuer    string
}

func NewAuthService(jwtSecret string, tokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		issuer:    "sharechannel-rendezvous",
	}
}

func (s *authService) GenerateToken(peerID domain.PeerID, userName string) (string, error) {
	now := time.Now()
	claims := &Claims{
		PeerID:   peerID,
		UserName: userName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   string(peerID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(s.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) VerifyPeerToken(tokenString string, peerID domain.PeerID) error {
	if tokenString == "" {
		return ErrUnauthorized
	}
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return err
	}
	if claims.PeerID != peerID {
		return ErrUnauthorized
	}
	return nil
}
