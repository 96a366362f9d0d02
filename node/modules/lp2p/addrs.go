package lp2p

import (
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	ma "github.com/multiformats/go-multiaddr"
	mamask "github.com/whyrusleeping/multiaddr-filter"
)

func AddrsFactory(announce []string, noAnnounce []string) func() (opts Libp2pOpts, err error) {
	return func() (opts Libp2pOpts, err error) {
		annAddrs, err := makeAddrs(announce)
		if err != nil {
			return
		}

		filters := ma.NewFilters()
		noAnnAddrs := map[string]bool{}
		for _, addr := range noAnnounce {
			f, err := mamask.NewMask(addr)
			if err == nil {
				filters.AddFilter(*f, ma.ActionDeny)
				continue
			}
			maddr, err := ma.NewMultiaddr(addr)
			if err != nil {
				return opts, err
			}
			noAnnAddrs[string(maddr.Bytes())] = true
		}

		opts.Opts = append(opts.Opts, libp2p.AddrsFactory(func(allAddrs []ma.Multiaddr) []ma.Multiaddr {
			var addrs []ma.Multiaddr
			if len(annAddrs) > 0 {
				addrs = annAddrs
			} else {
				addrs = allAddrs
			}

			var out []ma.Multiaddr
			for _, maddr := range addrs {
				// check for exact matches
				ok := noAnnAddrs[string(maddr.Bytes())]
				// check for /ipcidr matches
				if !ok && !filters.AddrBlocked(maddr) {
					out = append(out, maddr)
				}
			}
			return out
		}))
		return opts, nil
	}
}

func makeAddrs(addrs []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, len(addrs))
	for i, addr := range addrs {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, err
		}
		out[i] = maddr
	}
	return out, nil
}

func startListening(host host.Host, addresses []string) error {
	listen, err := makeAddrs(addresses)
	if err != nil {
		return fmt.Errorf("failed to parse listen addresses: %s", err)
	}

	if err := host.Network().Listen(listen...); err != nil {
		return fmt.Errorf("failed to listen on addresses: %s", err)
	}

	return nil
}

func StartListening(addresses []string) func(host host.Host) error {
	return func(host host.Host) error {
		return startListening(host, addresses)
	}
}
