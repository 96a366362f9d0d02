package build

import (
	"embed"
	"path"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/xerrors"
)

//go:embed bootstrap
var bootstrapfs embed.FS

// BuiltinBootstrap returns the bootstrap peers compiled into this build.
// The node dials these on startup to seed its routing table; operators
// can replace them through the config.
func BuiltinBootstrap() ([]peer.AddrInfo, error) {
	spi, err := bootstrapfs.ReadFile(path.Join("bootstrap", "bootstrappers.pi"))
	if err != nil {
		return nil, xerrors.Errorf("reading builtin bootstrap list: %w", err)
	}

	var out []peer.AddrInfo
	for _, line := range strings.Split(strings.TrimSpace(string(spi)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pi, err := peer.AddrInfoFromString(line)
		if err != nil {
			return nil, xerrors.Errorf("parsing bootstrap address %q: %w", line, err)
		}
		out = append(out, *pi)
	}
	return out, nil
}
