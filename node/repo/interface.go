package repo

import (
	"context"
	"errors"

	"github.com/ipfs/go-datastore"
	"github.com/multiformats/go-multiaddr"

	"github.com/filecoin-project/go-blockswap/blockstore"
)

var (
	// ErrNoAPIEndpoint is returned by APIEndpoint when the api file is not found.
	ErrNoAPIEndpoint = errors.New("API not running (no endpoint)")
	// ErrNoAPIToken is returned by APIToken when the token file is not found.
	ErrNoAPIToken = errors.New("API token not set")
	// ErrRepoAlreadyLocked signals that another process holds the repo lock.
	ErrRepoAlreadyLocked = errors.New("repo is already locked (blockswap daemon already running)")
	// ErrClosedRepo is returned when using a locked repo after Close.
	ErrClosedRepo = errors.New("repo is no longer open")
	// ErrRepoExists signals that the repo is already initialized.
	ErrRepoExists = errors.New("repo exists")
)

// KeyType names the purpose of a key held in the KeyStore.
type KeyType string

const (
	// KTLibp2pHost is the node's libp2p identity key.
	KTLibp2pHost KeyType = "libp2p-host"
	// KTJWTHMACSecret signs API auth tokens.
	KTJWTHMACSecret KeyType = "jwt-hmac-secret"
)

// KeyInfo is used for storing keys in the KeyStore.
type KeyInfo struct {
	Type       KeyType
	PrivateKey []byte
}

var (
	// ErrKeyInfoNotFound is returned by Get when the named key does not exist.
	ErrKeyInfoNotFound = errors.New("key info not found")
	// ErrKeyExists is returned by Put when the name is already taken.
	ErrKeyExists = errors.New("key already exists")
)

// KeyStore is used for storing secret keys.
type KeyStore interface {
	// List lists all the keys stored in the KeyStore
	List() ([]string, error)
	// Get gets a key out of keystore and returns KeyInfo corresponding to named key
	Get(string) (KeyInfo, error)
	// Put saves a key info under given name
	Put(string, KeyInfo) error
	// Delete removes a key from keystore
	Delete(string) error
}

type Repo interface {
	// APIEndpoint returns multiaddress for communication with the API.
	APIEndpoint() (multiaddr.Multiaddr, error)

	// APIToken returns the API auth token.
	APIToken() ([]byte, error)

	// Lock locks the repo for exclusive use.
	Lock() (LockedRepo, error)
}

type LockedRepo interface {
	// Close closes repo and removes lock.
	Close() error

	// Datastore returns a namespaced datastore for metadata.
	Datastore(ctx context.Context, namespace string) (datastore.Batching, error)

	// Blockstore returns the repo's block store. The caller is responsible
	// for layering caches on top.
	Blockstore(ctx context.Context) (blockstore.Blockstore, error)

	// Config returns config in this repo. The returned value must not be
	// mutated directly, use SetConfig.
	Config() (interface{}, error)
	SetConfig(func(interface{})) error

	// KeyStore returns the keystore for secret keys.
	KeyStore() (KeyStore, error)

	// Path returns the absolute path of the repo.
	Path() string

	// SetAPIEndpoint sets the endpoint of the current API
	// so it can be read by API clients.
	SetAPIEndpoint(multiaddr.Multiaddr) error

	// SetAPIToken sets JWT API Token for CLI.
	SetAPIToken([]byte) error
}
