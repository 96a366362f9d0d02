package config

import (
	"encoding"
	"time"
)

// Common is config shared by every node type
type Common struct {
	API    API
	Libp2p Libp2p
}

// FullNode is a full node config
type FullNode struct {
	Common
	Blockstore Blockstore
	Exchange   Exchange
	Pin        Pin
}

// // Common

// API contains configs for API endpoint
type API struct {
	ListenAddress string
	Timeout       Duration
}

// Libp2p contains configs for libp2p
type Libp2p struct {
	ListenAddresses []string
	// AnnounceAddresses is the set of addresses advertised to the
	// network instead of the ones the host is listening on.
	AnnounceAddresses []string
	// NoAnnounceAddresses hides listen addresses from the network.
	// Entries can be exact multiaddrs or /ipcidr masks.
	NoAnnounceAddresses []string

	BootstrapPeers []string
	ProtectedPeers []string

	ConnMgrLow   uint
	ConnMgrHigh  uint
	ConnMgrGrace Duration
}

// // Full Node

// Blockstore configures the on-disk block store and its caches.
type Blockstore struct {
	// CacheSize is the number of recently touched blocks kept in memory
	// in front of the badger store. Zero disables the cache.
	CacheSize int

	// BloomSize is the size, in bits, of the bloom filter guarding Has
	// lookups against the disk. Zero disables the filter.
	BloomSize   int
	BloomHashes int
}

// Exchange tunes the block exchange protocol.
type Exchange struct {
	// Announce toggles gossiping the keys of freshly added blocks over
	// pubsub, and answering wants learned from that topic.
	Announce bool

	// ProvideEnabled toggles advertising received and added blocks on
	// the DHT.
	ProvideEnabled bool

	TaskWorkers        int
	EngineTaskWorkers  int
	MaxWantsPerPeer    int
	HaveProbeThreshold int

	// ProviderSearchLimit caps how many providers a routing lookup asks
	// for per key.
	ProviderSearchLimit int

	// WantTimeout bounds a single block fetch when the caller supplies
	// no deadline of its own. Zero waits until cancelled.
	WantTimeout Duration

	// RebroadcastDelay is how often unanswered wants are resent.
	RebroadcastDelay Duration
}

// Pin configures pinning and garbage collection.
type Pin struct {
	// GCInterval is how often unpinned blocks are collected. Zero
	// disables periodic collection; passes can still be run through
	// the API.
	GCInterval Duration
}

func defCommon() Common {
	return Common{
		API: API{
			ListenAddress: "/ip4/127.0.0.1/tcp/2985/http",
			Timeout:       Duration(30 * time.Second),
		},
		Libp2p: Libp2p{
			ListenAddresses: []string{
				"/ip4/0.0.0.0/tcp/0",
				"/ip6/::/tcp/0",
			},
			AnnounceAddresses:   []string{},
			NoAnnounceAddresses: []string{},

			ConnMgrLow:   150,
			ConnMgrHigh:  180,
			ConnMgrGrace: Duration(20 * time.Second),
		},
	}
}

// DefaultFullNode returns the default config
func DefaultFullNode() *FullNode {
	return &FullNode{
		Common: defCommon(),
		Blockstore: Blockstore{
			CacheSize:   64 << 10,
			BloomSize:   512 << 10,
			BloomHashes: 7,
		},
		Exchange: Exchange{
			Announce:            true,
			ProvideEnabled:      true,
			TaskWorkers:         8,
			EngineTaskWorkers:   8,
			MaxWantsPerPeer:     64,
			HaveProbeThreshold:  16,
			ProviderSearchLimit: 10,
			WantTimeout:         Duration(60 * time.Second),
			RebroadcastDelay:    Duration(30 * time.Second),
		},
		Pin: Pin{
			GCInterval: Duration(0),
		},
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
