// SPDX-License-Identifier: MIT

package session

import (
	"crypto/rand"
	"encoding/base64"
)

// newToken returns a fresh URL-safe session token with 256 bits of entropy.
// Session tokens are independent of session ids and never derivable from
// them.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
