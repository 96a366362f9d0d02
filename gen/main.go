package main

import (
	"fmt"
	"os"

	gen "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/go-blockswap/exchange/message"
	"github.com/filecoin-project/go-blockswap/pin"
)

func main() {
	err := gen.WriteTupleEncodersToFile("./exchange/message/cbor_gen.go", "message",
		message.WireMessage{},
		message.WireEntry{},
		message.WireBlock{},
		message.Announce{},
		message.AnnounceEntry{},
	)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	err = gen.WriteTupleEncodersToFile("./pin/cbor_gen.go", "pin",
		pin.PinRecord{},
	)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
