// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope derives the per-connection sub-keys from the shared
// secret and provides the authenticated encryption and the
// fulfillment/condition construction used on every conditional
// transfer.
package envelope

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/interledger/stream-go/core/frames"
)

const (
	keySize   = 32
	nonceSize = 24

	// MinSecretSize is the minimum length of a usable shared secret.
	MinSecretSize = 32
)

var (
	// ErrDecrypt is returned when a ciphertext fails authentication.
	ErrDecrypt = errors.New("envelope: decryption failed")

	// ErrShortSecret is returned for shared secrets below MinSecretSize.
	ErrShortSecret = errors.New("envelope: shared secret too short")
)

// Envelope holds the sub-keys derived from one shared secret.
type Envelope struct {
	encKey     [keySize]byte
	fulfillKey [keySize]byte
	padKey     [keySize]byte
}

// New derives the encryption, fulfillment and padding sub-keys from
// the shared secret.
func New(secret []byte) (*Envelope, error) {
	if len(secret) < MinSecretSize {
		return nil, ErrShortSecret
	}
	e := new(Envelope)
	for _, sk := range []struct {
		info string
		key  *[keySize]byte
	}{
		{"ilp_stream_encryption", &e.encKey},
		{"ilp_stream_fulfillment", &e.fulfillKey},
		{"ilp_stream_padding", &e.padKey},
	} {
		km := hkdf.New(sha256.New, secret, nil, []byte(sk.info))
		if _, err := io.ReadFull(km, sk.key[:]); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Seal encrypts an inner packet plaintext. When pad is set the
// plaintext is zero extended to frames.MaxDataSize first. The random
// nonce is prepended to the ciphertext.
func (e *Envelope) Seal(plaintext []byte, pad bool) ([]byte, error) {
	if pad && len(plaintext) < frames.MaxDataSize {
		padded := make([]byte, frames.MaxDataSize)
		copy(padded, plaintext)
		plaintext = padded
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	out := secretbox.Seal(nonce[:], plaintext, &nonce, &e.encKey)
	return out, nil
}

// Open authenticates and decrypts a ciphertext produced by Seal.
func (e *Envelope) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &e.encKey)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Fulfillment computes the preimage for a ciphertext.
func (e *Envelope) Fulfillment(ciphertext []byte) [32]byte {
	m := hmac.New(sha256.New, e.fulfillKey[:])
	m.Write(ciphertext)
	var f [32]byte
	copy(f[:], m.Sum(nil))
	return f
}

// Condition hashes a fulfillment into its execution condition.
func Condition(fulfillment [32]byte) [32]byte {
	return sha256.Sum256(fulfillment[:])
}

// RandomCondition returns a condition with no known preimage, used for
// test packets that must not be fulfillable.
func RandomCondition() [32]byte {
	var c [32]byte
	if _, err := rand.Read(c[:]); err != nil {
		panic(err)
	}
	return c
}
