// Package sign implements the gateway's request signing scheme: a canonical
// string over the signed subset of a request, HMAC-SHA256 in lowercase hex,
// and constant-time signature comparison. The same canonical form is used by
// the client SDK, so any change here is a wire-protocol change.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Canonical builds the canonical signing string:
// UPPERCASE(method)\npath\ncontent_sha256\ntimestamp\nnonce.
// The path is the incoming request path without the query string. Empty
// fields stay empty strings so the field count is always five.
func Canonical(method, path, contentSHA256, timestamp, nonce string) string {
	var b strings.Builder
	b.Grow(len(method) + len(path) + len(contentSHA256) + len(timestamp) + len(nonce) + 4)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(contentSHA256)
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(nonce)
	return b.String()
}

// HmacSHA256Hex computes HMAC-SHA256 of data under key and returns 64
// lowercase hex characters.
func HmacSHA256Hex(data, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data. Used for the
// request body digest carried in x-content-sha256.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify compares a provided hex signature against the expected one in
// constant time.
func Verify(provided, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
