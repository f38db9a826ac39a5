package game

const (
	roomNamespace   = "room"
	playerNamespace = "player"
)

// RoomTopic derives the topic carrying a room's presence and broadcasts.
func RoomTopic(r Room) string {
	return roomNamespace + ":" + r.ID
}

// PairTopic derives the single bidirectional topic shared by a pair of
// players. The ids are ordered lexicographically so both ends derive the same
// name: PairTopic(a, b) == PairTopic(b, a).
func PairTopic(a, b Player) string {
	lo, hi := a.ID, b.ID
	if lo > hi {
		lo, hi = hi, lo
	}
	return playerNamespace + ":" + lo + "-" + hi
}
