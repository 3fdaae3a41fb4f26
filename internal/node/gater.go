package node

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/spacedatanetwork/sdn-trust/internal/statement"
)

var _ connmgr.ConnectionGater = (*TrustGater)(nil)

// TrustSource answers whether a key is reachable in the root's trust graph.
type TrustSource interface {
	Root() statement.Attribute
	TrustDistance(ctx context.Context, a, b statement.Attribute) (int, bool, error)
}

// TrustGater is a connection gater backed by the trust graph. Blocked peers are always refused.
// In strict mode only peers whose key the root trusts, and allowed peers, may connect.
type TrustGater struct {
	ctx    context.Context
	trust  TrustSource
	strict bool

	mu        sync.RWMutex
	blocklist map[peer.ID]struct{}
	allowed   map[peer.ID]struct{}
}

// NewTrustGater creates a gater. ctx bounds the trust lookups it makes.
func NewTrustGater(ctx context.Context, trust TrustSource, strict bool) *TrustGater {
	return &TrustGater{
		ctx:       ctx,
		trust:     trust,
		strict:    strict,
		blocklist: make(map[peer.ID]struct{}),
		allowed:   make(map[peer.ID]struct{}),
	}
}

// Block refuses all connections with p.
func (g *TrustGater) Block(p peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocklist[p] = struct{}{}
	log.Infof("Blocked peer: %s", p.ShortString())
}

// Unblock removes p from the blocklist.
func (g *TrustGater) Unblock(p peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blocklist, p)
	log.Infof("Unblocked peer: %s", p.ShortString())
}

// IsBlocked reports whether p is on the blocklist.
func (g *TrustGater) IsBlocked(p peer.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.blocklist[p]
	return ok
}

// Allow admits p in strict mode regardless of trust. Pinned bootstrap peers are allowed this way.
func (g *TrustGater) Allow(p peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed[p] = struct{}{}
}

func (g *TrustGater) admit(p peer.ID) (bool, string) {
	if g.IsBlocked(p) {
		return false, "blocklist"
	}
	if !g.strict {
		return true, ""
	}
	g.mu.RLock()
	_, ok := g.allowed[p]
	g.mu.RUnlock()
	if ok {
		return true, ""
	}
	key := statement.Attribute{Name: statement.KeyID, Value: p.String()}
	_, trusted, err := g.trust.TrustDistance(g.ctx, g.trust.Root(), key)
	if err != nil {
		return false, err.Error()
	}
	if !trusted {
		return false, "not in trust graph"
	}
	return true, ""
}

// InterceptPeerDial is called before dialing a peer.
func (g *TrustGater) InterceptPeerDial(p peer.ID) bool {
	ok, reason := g.admit(p)
	if !ok {
		log.Debugf("Blocked dial to peer %s: %s", p.ShortString(), reason)
	}
	return ok
}

// InterceptAddrDial is called before dialing an address of p.
func (g *TrustGater) InterceptAddrDial(p peer.ID, _ multiaddr.Multiaddr) bool {
	return g.InterceptPeerDial(p)
}

// InterceptAccept allows every inbound connection; the peer is checked once it is known.
func (g *TrustGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured is called after the security handshake, when the remote peer is known.
func (g *TrustGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	ok, reason := g.admit(p)
	if !ok {
		log.Debugf("Rejected connection from peer %s: %s", p.ShortString(), reason)
	}
	return ok
}

// InterceptUpgraded allows every upgraded connection.
func (g *TrustGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
