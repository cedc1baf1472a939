package protocol

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/tactics-sync/combat-sync/pkg/types"
)

// Digest fingerprints a rendered state. Clients holding the same state at
// the same version compute the same digest, which makes divergence cheap to
// detect after a resync.
func Digest(s types.SessionState) (string, error) {
	data, err := cborEnc.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
