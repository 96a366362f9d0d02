package main

import (
	"fmt"

	"github.com/multiformats/go-multiaddr"

	"github.com/filecoin-project/go-blockswap/api"
	"github.com/filecoin-project/go-blockswap/node"
)

func serveRPC(a api.API, stop node.StopFunc, addr multiaddr.Multiaddr, shutdownChan chan struct{}) error {
	// Instantiate the full node handler.
	h, err := node.FullNodeHandler(a, true)
	if err != nil {
		return fmt.Errorf("failed to instantiate rpc handler: %s", err)
	}

	// Serve the RPC.
	rpcStopper, err := node.ServeRPC(h, "blockswap-daemon", addr)
	if err != nil {
		return fmt.Errorf("failed to start json-rpc endpoint: %s", err)
	}

	// Monitor for shutdown.
	finishCh := node.MonitorShutdown(shutdownChan,
		node.ShutdownHandler{Component: "rpc server", StopFunc: rpcStopper},
		node.ShutdownHandler{Component: "node", StopFunc: stop},
	)
	<-finishCh // fires when shutdown is complete.
	return nil
}
