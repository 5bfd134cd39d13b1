package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// OrNew returns id trimmed, or a fresh request id when id is blank.
func OrNew(id string) (string, error) {
	if id = strings.TrimSpace(id); id != "" {
		return id, nil
	}
	return New()
}
