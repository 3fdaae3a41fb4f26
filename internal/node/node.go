// Package node runs the peer-to-peer side of a trust node: the libp2p host, the DHT that carries
// index names, block exchange and directory announcements.
package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/multiformats/go-multiaddr"

	"github.com/spacedatanetwork/sdn-trust/internal/bootstrap"
	"github.com/spacedatanetwork/sdn-trust/internal/config"
	"github.com/spacedatanetwork/sdn-trust/internal/indexer"
	"github.com/spacedatanetwork/sdn-trust/internal/reputation"
)

var log = logging.Logger("trust-node")

// Node is the networked side of a trust node.
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	roots  *pubsub.Topic
	config *config.Config
	svc    *reputation.Service

	gater     *TrustGater
	names     *DHTNames
	blocks    *BlockExchange
	announcer *announcer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// KeyPath returns where the node key is kept for a storage path.
func KeyPath(storagePath string) string {
	return filepath.Join(filepath.Dir(storagePath), "keys", "node.key")
}

// LoadOrCreateKey loads the node key from path, generating and saving an Ed25519 key if none
// exists.
func LoadOrCreateKey(path string) (crypto.PrivKey, error) {
	if keyData, err := os.ReadFile(path); err == nil {
		privKey, err := crypto.UnmarshalPrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal key %s: %w", path, err)
		}
		log.Infof("Loaded existing node identity from %s", path)
		return privKey, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return GenerateKey(path)
}

// GenerateKey generates an Ed25519 key and writes it to path.
func GenerateKey(path string) (crypto.PrivKey, error) {
	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	keyData, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, keyData, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	log.Infof("Generated and saved new node identity to %s", path)
	return privKey, nil
}

// New creates the libp2p host for svc and wires the DHT name system and block exchange into it.
func New(ctx context.Context, cfg *config.Config, key crypto.PrivKey, svc *reputation.Service) (*Node, error) {
	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		config: cfg,
		svc:    svc,
		ctx:    nodeCtx,
		cancel: cancel,
	}
	if err := n.init(key); err != nil {
		cancel()
		return nil, err
	}
	return n, nil
}

func (n *Node) init(key crypto.PrivKey) error {
	listenAddrs := make([]multiaddr.Multiaddr, 0, len(n.config.Network.Listen))
	for _, addr := range n.config.Network.Listen {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	low := 100
	if n.config.Network.MaxConns < low {
		low = n.config.Network.MaxConns / 2
	}
	connMgr, err := connmgr.NewConnManager(low, n.config.Network.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}

	relay := libp2p.DisableRelay()
	if n.config.Network.EnableRelay {
		relay = libp2p.EnableRelay()
	}

	n.gater = n.newGater()

	var dhtRouting *dht.IpfsDHT
	n.host, err = libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.DefaultTransports,
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connMgr),
		libp2p.ConnectionGater(n.gater),
		relay,
		libp2p.NATPortMap(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			dhtRouting, err = dht.New(n.ctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.ProtocolPrefix(protocol.ID(n.config.Network.DHTPrefix)),
				dht.Validator(record.NamespacedValidator{
					"pk":          record.PublicKeyValidator{},
					NameNamespace: NameValidator{},
				}),
			)
			return dhtRouting, err
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.dht = dhtRouting

	n.pubsub, err = pubsub.NewGossipSub(n.ctx, n.host)
	if err != nil {
		n.host.Close()
		return fmt.Errorf("failed to create pubsub: %w", err)
	}

	n.names, err = NewDHTNames(n.dht, key)
	if err != nil {
		n.host.Close()
		return err
	}
	n.blocks = NewBlockExchange(n.host, n.svc.Blocks())
	n.blocks.Register()
	n.announcer = newAnnouncer(n.host.ID(), n.svc, func(ctx context.Context, name string) error {
		_, err := n.Sync(ctx, name)
		return err
	})

	ix := n.svc.Indexer()
	ix.SetNameSystem(n.names)
	ix.OnPublish(n.announce)
	n.svc.Blocks().SetFetcher(n.blocks)

	log.Infof("Node %s created", n.host.ID())
	return nil
}

// newGater builds the connection gater from the network blocklist. Pinned bootstrap peers are
// always allowed.
func (n *Node) newGater() *TrustGater {
	g := NewTrustGater(n.ctx, n.svc, n.config.Network.TrustedOnly)
	for _, s := range n.config.Network.Blocklist {
		id, err := peer.Decode(s)
		if err != nil {
			log.Warnf("Ignoring invalid blocklist entry %q: %v", s, err)
			continue
		}
		g.Block(id)
	}
	for _, p := range bootstrap.Pinned(bootstrap.ParseAddresses(n.config.Network.Bootstrap)) {
		g.Allow(p.AddrInfo.ID)
	}
	if n.config.Network.TrustedOnly {
		log.Info("Accepting connections only from trusted peers")
	}
	return g
}

// Gater returns the node's connection gater.
func (n *Node) Gater() *TrustGater {
	return n.gater
}

// Start bootstraps the DHT, connects to the configured peers and listens for announcements.
func (n *Node) Start(ctx context.Context) error {
	if err := n.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	for _, w := range bootstrap.Validate(n.config.Network.Bootstrap) {
		log.Warnf("Bootstrap configuration: %s", w)
	}
	peers := bootstrap.Pinned(bootstrap.ParseAddresses(n.config.Network.Bootstrap))
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, res := range bootstrap.Connect(n.ctx, n.host, peers) {
			if res.Err != nil {
				log.Warnf("Failed to connect to bootstrap peer %s: %v", res.Peer, res.Err)
			}
		}
	}()

	topic, err := n.pubsub.Join(RootsTopic)
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", RootsTopic, err)
	}
	n.roots = topic
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", RootsTopic, err)
	}

	n.wg.Add(2)
	go n.handleAnnouncements(sub)
	go func() {
		defer n.wg.Done()
		n.announcer.run(n.ctx)
	}()

	log.Infof("Node %s listening on %v", n.host.ID(), n.host.Addrs())
	return nil
}

// Sync connects to the peer publishing under name, if needed, and consumes its index.
func (n *Node) Sync(ctx context.Context, name string) (indexer.SyncResult, error) {
	if id, err := peer.Decode(name); err == nil && id != n.host.ID() && len(n.host.Network().ConnsToPeer(id)) == 0 {
		findCtx, cancel := context.WithTimeout(ctx, config.Duration(n.config.Index.NetworkTimeout, 30*time.Second))
		if info, err := n.dht.FindPeer(findCtx, id); err == nil {
			if err := n.host.Connect(findCtx, info); err != nil {
				log.Debugf("Failed to connect to %s: %v", id.ShortString(), err)
			}
		}
		cancel()
	}
	return n.svc.TriggerPeerSync(ctx, name)
}

// Stop shuts the node down.
func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()

	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			log.Warnf("Error closing DHT: %v", err)
		}
	}
	if err := n.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}
	return nil
}

// PeerID returns the node's peer ID.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// ListenAddrs returns the node's listen addresses.
func (n *Node) ListenAddrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// Host returns the libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}
