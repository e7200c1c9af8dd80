package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

const csrfKeyInfo = "helpdesk csrf v1"

func deriveCSRFKey(secret []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(csrfKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive csrf key: %w", err)
	}
	return key, nil
}

func csrfToken(key []byte, f *Family) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(f.ID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.Itoa(f.Rotation)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(f.Nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func csrfEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
