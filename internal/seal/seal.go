// Package seal encrypts message content at rest with NaCl secretbox.
package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const prefix = "v1:"

var ErrCorrupt = errors.New("sealed content is corrupt")

// Sealer seals and opens content with a key derived from a passphrase. A
// Sealer without a key passes content through unchanged.
type Sealer struct {
	key     *[32]byte
	entropy io.Reader
}

func New(passphrase string) *Sealer {
	if passphrase == "" {
		return &Sealer{entropy: rand.Reader}
	}
	key := sha256.Sum256([]byte(passphrase))
	return &Sealer{key: &key, entropy: rand.Reader}
}

func (s *Sealer) Enabled() bool {
	return s != nil && s.key != nil
}

func (s *Sealer) Seal(plaintext string) (string, error) {
	if !s.Enabled() {
		return plaintext, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(s.entropy, nonce[:]); err != nil {
		return "", fmt.Errorf("seal nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, s.key)
	return prefix + base64.RawURLEncoding.EncodeToString(box), nil
}

// Open reverses Seal. Content written before sealing was enabled has no
// prefix and is returned as is.
func (s *Sealer) Open(content string) (string, error) {
	if !strings.HasPrefix(content, prefix) {
		return content, nil
	}
	if !s.Enabled() {
		return "", fmt.Errorf("open: no seal key configured")
	}
	box, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(content, prefix))
	if err != nil || len(box) < 24+secretbox.Overhead {
		return "", ErrCorrupt
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, s.key)
	if !ok {
		return "", ErrCorrupt
	}
	return string(plain), nil
}
