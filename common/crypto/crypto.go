package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
)

// Const declarations for supported HMAC hash types
const (
	HashSHA256 = iota
	HashSHA512
)

// HexEncodeToString takes in a hexadecimal byte array and returns a string
func HexEncodeToString(input []byte) string {
	return hex.EncodeToString(input)
}

// GetHMAC returns a keyed-hash message authentication code using the desired
// hashtype
func GetHMAC(hashType int, input, key []byte) ([]byte, error) {
	var hasher func() hash.Hash

	switch hashType {
	case HashSHA256:
		hasher = sha256.New
	case HashSHA512:
		hasher = sha512.New
	default:
		return nil, fmt.Errorf("unsupported hash type %d", hashType)
	}

	h := hmac.New(hasher, key)
	h.Write(input)
	return h.Sum(nil), nil
}

// HMACEqual compares two MACs in constant time
func HMACEqual(mac1, mac2 []byte) bool {
	return hmac.Equal(mac1, mac2)
}
