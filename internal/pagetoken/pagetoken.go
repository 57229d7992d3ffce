// Package pagetoken encodes list-pagination offsets as opaque tokens bound
// to the requesting caller and thing. The binding is by construction: the
// AES key derives from (caller, thing), so a token presented by a different
// caller or for a different thing fails to decrypt.
//
// Format: base64(AES-256-CBC(PKCS#5-padded big-endian uint64 offset)) with
// a PBKDF2-SHA256 key (65536 iterations) and an all-zero IV. The zero IV is
// a deliberate compatibility convention: tokens are offset cookies, not
// secrets, and equal offsets producing equal tokens is acceptable. Moving to
// a random embedded IV would be a token-format bump.
package pagetoken

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 65536
	keyBytes      = 32
	offsetBytes   = 8
)

// ErrInvalidToken covers every decode failure: wrong caller, wrong thing,
// tampering, or garbage input. Callers surface it as an invalid-arguments
// condition without distinguishing the cause.
var ErrInvalidToken = errors.New("pagetoken: invalid token")

// Encode produces the opaque token carrying offset for the given caller and
// thing.
func Encode(caller, thing string, offset uint64) (string, error) {
	block, err := newCipher(caller, thing)
	if err != nil {
		return "", err
	}

	plain := make([]byte, offsetBytes)
	binary.BigEndian.PutUint64(plain, offset)
	plain = pad(plain, block.BlockSize())

	out := make([]byte, len(plain))
	iv := make([]byte, block.BlockSize())
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decode recovers the offset from a token. Any mismatch in caller or thing
// yields ErrInvalidToken.
func Decode(caller, thing, token string) (uint64, error) {
	block, err := newCipher(caller, thing)
	if err != nil {
		return 0, err
	}

	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return 0, fmt.Errorf("%w: bad length", ErrInvalidToken)
	}

	plain := make([]byte, len(data))
	iv := make([]byte, block.BlockSize())
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	plain, err = unpad(plain, block.BlockSize())
	if err != nil {
		return 0, err
	}

	if len(plain) != offsetBytes {
		return 0, fmt.Errorf("%w: bad payload", ErrInvalidToken)
	}

	return binary.BigEndian.Uint64(plain), nil
}

func newCipher(caller, thing string) (cipher.Block, error) {
	key := pbkdf2.Key([]byte(caller), []byte(thing), keyIterations, keyBytes, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pagetoken: init cipher: %w", err)
	}

	return block, nil
}

// pad applies PKCS#5/PKCS#7 padding.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	for i := 0; i < n; i++ {
		data = append(data, byte(n))
	}

	return data
}

// unpad validates and strips PKCS#5/PKCS#7 padding. A wrong key almost
// always corrupts the final block, so this is where foreign tokens die.
func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrInvalidToken)
	}

	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrInvalidToken)
	}

	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrInvalidToken)
		}
	}

	return data[:len(data)-n], nil
}
