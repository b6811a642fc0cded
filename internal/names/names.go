// Package names suggests display names for the verification handshake.
package names

import (
	_ "embed"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"strings"
)

// SuggestionCount is how many names a participant picks from.
const SuggestionCount = 4

//go:embed names.txt
var rawNames string

var pool = loadPool(rawNames)

func loadPool(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Suggest returns SuggestionCount distinct names, stable for the same room
// and participant.
func Suggest(roomID string, participantID int64) []string {
	h := fnv.New64a()
	h.Write([]byte(roomID + "_" + strconv.FormatInt(participantID, 10)))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	perm := rng.Perm(len(pool))
	out := make([]string, 0, SuggestionCount)
	for _, idx := range perm[:min(SuggestionCount, len(pool))] {
		out = append(out, pool[idx])
	}
	return out
}

// Allowed reports whether name is one of the suggestions for the participant.
func Allowed(roomID string, participantID int64, name string) bool {
	for _, candidate := range Suggest(roomID, participantID) {
		if candidate == name {
			return true
		}
	}
	return false
}
