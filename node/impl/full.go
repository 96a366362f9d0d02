package impl

import (
	"github.com/filecoin-project/go-blockswap/api"
	"github.com/filecoin-project/go-blockswap/node/impl/common"
	"github.com/filecoin-project/go-blockswap/node/impl/full"
	"github.com/filecoin-project/go-blockswap/node/impl/net"
)

type FullNodeAPI struct {
	common.CommonAPI
	net.NetAPI
	full.BlockAPI
	full.PinAPI
	full.SwapAPI
}

var _ api.API = &FullNodeAPI{}
