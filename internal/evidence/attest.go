package evidence

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "closedcspm"

type attestationClaims struct {
	Digest   string `json:"digest"`
	ScanType string `json:"scan_type"`
	jwt.RegisteredClaims
}

func attest(env *Envelope, key []byte) (string, error) {
	claims := attestationClaims{
		Digest:   env.Digest,
		ScanType: env.ScanType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  env.ID,
			IssuedAt: jwt.NewNumericDate(env.CreatedAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing evidence attestation: %w", err)
	}
	return token, nil
}

func verify(env *Envelope, key []byte) error {
	if env.Attestation == "" {
		return errors.New("evidence envelope is not attested")
	}
	claims := &attestationClaims{}
	_, err := jwt.ParseWithClaims(env.Attestation, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return fmt.Errorf("verifying evidence attestation: %w", err)
	}
	if claims.Digest != env.Digest || claims.Subject != env.ID {
		return ErrDigestMismatch
	}
	return nil
}
