// Package bootstrap parses the configured bootstrap peers and dials them. Only addresses that pin a
// peer ID are dialled, so the security handshake can prove the remote is who the config says.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("trust-bootstrap")

// maxParallelDials bounds concurrent bootstrap dials.
const maxParallelDials = 8

// ErrUnpinned is returned for bootstrap addresses without a /p2p/ component.
var ErrUnpinned = errors.New("bootstrap address has no peer ID")

// Peer is a parsed bootstrap address.
type Peer struct {
	AddrInfo peer.AddrInfo
	// Pinned is set when the address named the expected peer ID.
	Pinned bool
	Raw    string
}

// Result is the outcome of dialling one bootstrap peer.
type Result struct {
	Peer peer.ID
	Addr string
	Err  error
}

func hasPeerID(addr string) bool {
	return strings.Contains(addr, "/p2p/") || strings.Contains(addr, "/ipfs/")
}

// ParseAddress parses one bootstrap multiaddr, e.g. /ip4/1.2.3.4/tcp/4001/p2p/12D3Koo...
func ParseAddress(addr string) (Peer, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid multiaddr: %w", err)
	}
	if !hasPeerID(addr) {
		return Peer{AddrInfo: peer.AddrInfo{Addrs: []multiaddr.Multiaddr{ma}}, Raw: addr}, nil
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return Peer{}, fmt.Errorf("failed to parse peer info: %w", err)
	}
	return Peer{AddrInfo: *info, Pinned: true, Raw: addr}, nil
}

// ParseAddresses parses addrs, skipping invalid entries. Addresses of the same peer are merged.
func ParseAddresses(addrs []string) []Peer {
	peers := make([]Peer, 0, len(addrs))
	index := make(map[peer.ID]int)
	for _, addr := range addrs {
		p, err := ParseAddress(addr)
		if err != nil {
			log.Warnf("Invalid bootstrap address %s: %v", addr, err)
			continue
		}
		if p.Pinned {
			if i, ok := index[p.AddrInfo.ID]; ok {
				peers[i].AddrInfo.Addrs = append(peers[i].AddrInfo.Addrs, p.AddrInfo.Addrs...)
				continue
			}
			index[p.AddrInfo.ID] = len(peers)
		}
		peers = append(peers, p)
	}
	return peers
}

// Validate returns a warning for every configured address that does not pin a peer ID.
func Validate(addrs []string) []string {
	var warnings []string
	for _, addr := range addrs {
		if !hasPeerID(addr) {
			warnings = append(warnings, fmt.Sprintf(
				"bootstrap address %q lacks a peer ID, use %s/p2p/<PEER_ID>", addr, addr))
		}
	}
	return warnings
}

// Pinned keeps only the peers whose ID is pinned.
func Pinned(peers []Peer) []Peer {
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p.Pinned {
			out = append(out, p)
		}
	}
	return out
}

// Connect dials peers in parallel and returns one result per peer, in order. Unpinned peers are
// not dialled and report ErrUnpinned.
func Connect(ctx context.Context, h host.Host, peers []Peer) []Result {
	results := make([]Result, len(peers))
	var mu sync.Mutex
	var connected int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDials)
	for i, p := range peers {
		results[i] = Result{Peer: p.AddrInfo.ID, Addr: p.Raw}
		if !p.Pinned {
			results[i].Err = fmt.Errorf("%w: %s", ErrUnpinned, p.Raw)
			continue
		}
		g.Go(func() error {
			if err := h.Connect(gctx, p.AddrInfo); err != nil {
				results[i].Err = err
				return nil
			}
			mu.Lock()
			connected++
			mu.Unlock()
			log.Infof("Connected to bootstrap peer %s", p.AddrInfo.ID.ShortString())
			return nil
		})
	}
	_ = g.Wait()

	log.Infof("Connected to %d of %d bootstrap peers", connected, len(peers))
	return results
}
