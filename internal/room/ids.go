package room

import (
	"crypto/rand"
	"fmt"

	"github.com/PeeBee66/chittychattychat/internal/models"
)

const maxIDAttempts = 10

// generateRoomID draws models.RoomIDLength characters uniformly from the
// room ID alphabet.
func generateRoomID() (string, error) {
	alphabet := models.RoomIDAlphabet
	limit := byte(256 - 256%len(alphabet))
	out := make([]byte, 0, models.RoomIDLength)
	buf := make([]byte, models.RoomIDLength*2)
	for len(out) < models.RoomIDLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate room id: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == models.RoomIDLength {
				break
			}
		}
	}
	return string(out), nil
}
