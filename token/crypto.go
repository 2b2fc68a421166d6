// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package token

import (
	"crypto/rand"
	"encoding/binary"
	"io"
)

// RandomBytes fills buf from the system's entropy source.
func RandomBytes(buf []byte) error {
	_, err := io.ReadFull(rand.Reader, buf)
	return err
}

// GenerateKey draws a fresh random key.
func GenerateKey() (key [KeyBytes]byte, err error) {
	err = RandomBytes(key[:])
	return
}

// GenerateSalt draws a random 64 bit salt.
func GenerateSalt() (uint64, error) {
	var buf [8]byte
	if err := RandomBytes(buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// NonceFromCounter expands a monotonic counter into an XChaCha20-Poly1305
// nonce. Under one key every counter value must be used at most once.
func NonceFromCounter(counter uint64) (nonce [NonceBytes]byte) {
	binary.LittleEndian.PutUint64(nonce[:8], counter)
	return
}
