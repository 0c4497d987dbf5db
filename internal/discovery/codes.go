// Package discovery lets players find sessions: a lobby directory with coded
// entries plus LAN broadcast discovery for hosts on the local network.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidCustomCode is returned for custom codes outside the allowed shape.
var ErrInvalidCustomCode = errors.New("custom code must be 4-12 letters or digits")

// GenerateLobbyCode derives a shareable code in the XXXX-XXXX-XXXX shape.
// Codes are hashed from fresh randomness so they carry no host information.
func GenerateLobbyCode() string {
	seed := fmt.Sprintf("%s:%d", uuid.NewString(), time.Now().UnixNano())
	sum := sha256.Sum256([]byte(seed))
	raw := strings.ToUpper(hex.EncodeToString(sum[:]))[:12]
	return raw[0:4] + "-" + raw[4:8] + "-" + raw[8:12]
}

// NormalizeCustomCode validates a player-chosen code and canonicalizes it to
// upper case. Custom codes skip the dashed shape so friends can pick
// something memorable.
func NormalizeCustomCode(code string) (string, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) < 4 || len(trimmed) > 12 {
		return "", ErrInvalidCustomCode
	}
	for _, r := range trimmed {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", ErrInvalidCustomCode
		}
	}
	return strings.ToUpper(trimmed), nil
}
