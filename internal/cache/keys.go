package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxKeyLength bounds keys built from long comma-joined identifier lists
const maxKeyLength = 200

// Key builds the cache key for one lookup. The key is queryType-id, extended
// with the acting user when the value depends on one.
func Key(queryType, id, userID string) string {
	var b strings.Builder
	b.WriteString(queryType)
	b.WriteByte('-')
	b.WriteString(id)
	if userID != "" {
		b.WriteByte('@')
		b.WriteString(userID)
	}

	key := b.String()
	if len(key) <= maxKeyLength {
		return key
	}

	hash := sha256.Sum256([]byte(key))
	return queryType + "-" + hex.EncodeToString(hash[:])
}
