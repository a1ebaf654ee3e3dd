package models

import (
	"crypto/rand"
	"fmt"
)

// ID prefixes per record type.
const (
	PrefixApproval  = "appr"
	PrefixRule      = "rule"
	PrefixConfig    = "sconf"
	PrefixViolation = "svio"
)

// DefaultIDLength is the number of random characters after the prefix.
const DefaultIDLength = 16

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// maxUnbiasedByte is the largest multiple of len(idAlphabet) that fits in a
// byte. Bytes at or above it are rejected so every character is equally likely.
const maxUnbiasedByte = 256 - (256 % len(idAlphabet))

// GenerateID returns "<prefix>_<length random [a-z0-9] characters>".
func GenerateID(prefix string, length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("id length must be positive, got %d", length)
	}
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiasedByte {
				continue
			}
			out = append(out, idAlphabet[int(b)%len(idAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return prefix + "_" + string(out), nil
}

// NewID returns an id of DefaultIDLength. It panics only if the system
// random source fails.
func NewID(prefix string) string {
	id, err := GenerateID(prefix, DefaultIDLength)
	if err != nil {
		panic(err)
	}
	return id
}
