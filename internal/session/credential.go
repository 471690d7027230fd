// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"crypto/rand"
	"errors"
	"math/big"
)

const (
	idAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idLength        = 8
	passwordDigits  = 6
	maxDrawAttempts = 16
)

// ErrCredentialSpace is returned when no unused credential could be drawn.
var ErrCredentialSpace = errors.New("no unique fallback credential available")

// Credential is the pair a remote-desktop client needs to join the relay.
type Credential struct {
	RustDeskID string `json:"rustdesk_id"`
	Password   string `json:"password"`
}

// CredentialSource draws a fresh credential.
type CredentialSource func() (Credential, error)

// RandomCredential draws an 8 character [A-Z0-9] id and a 6 digit password
// from crypto/rand.
func RandomCredential() (Credential, error) {
	id, err := randomString(idAlphabet, idLength)
	if err != nil {
		return Credential{}, err
	}
	pw, err := randomString("0123456789", passwordDigits)
	if err != nil {
		return Credential{}, err
	}
	return Credential{RustDeskID: id, Password: pw}, nil
}

func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = alphabet[v.Int64()]
	}
	return string(buf), nil
}

// ValidRustDeskID reports whether id has the credential id shape.
func ValidRustDeskID(id string) bool {
	if len(id) != idLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
