package build

import "os"

// NetworkName identifies the swarm this build participates in. Nodes on
// different networks share no protocol state; the name tags metrics and
// the API version handshake.
var NetworkName = "blockswap"

func init() {
	if name := os.Getenv("BLOCKSWAP_NETWORK"); name != "" {
		NetworkName = name
	}
}
