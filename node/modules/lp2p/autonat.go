package lp2p

import (
	"github.com/libp2p/go-libp2p"
)

// AutoNATService answers dial-back probes from other peers, letting
// them figure out their own reachability.
func AutoNATService() (opts Libp2pOpts, err error) {
	opts.Opts = append(opts.Opts, libp2p.EnableNATService())
	return
}
