package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-cid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-trust/internal/reputation"
	"github.com/spacedatanetwork/sdn-trust/internal/statement"
)

// RootsTopic carries directory announcements. The payload is the directory CID; the sender is the
// publisher.
const RootsTopic = "/sdn-trust/roots/1.0.0"

// syncQueueSize bounds the announcements waiting for a sync.
const syncQueueSize = 64

// announcer schedules syncs with trusted peers that announce a new directory.
type announcer struct {
	self peer.ID
	svc  *reputation.Service
	sync func(ctx context.Context, name string) error

	limiter     *PeerRateLimiter
	readBackOff backoff.BackOff
	pending     chan string
	mu      sync.Mutex
	queued  map[string]bool
}

func newAnnouncer(self peer.ID, svc *reputation.Service, syncFn func(ctx context.Context, name string) error) *announcer {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return &announcer{
		self:        self,
		svc:         svc,
		sync:        syncFn,
		limiter:     NewPeerRateLimiter(AnnounceRateLimit()),
		readBackOff: b,
		pending:     make(chan string, syncQueueSize),
		queued:      make(map[string]bool),
	}
}

// handle schedules a sync with from if its key is in the local trust graph. It reports whether a
// sync was queued.
func (a *announcer) handle(ctx context.Context, from peer.ID, data []byte) bool {
	if from == a.self || !a.limiter.Allow(from) {
		return false
	}
	dir, err := cid.Cast(data)
	if err != nil {
		log.Debugf("Ignoring malformed announcement from %s: %v", from.ShortString(), err)
		return false
	}

	key := statement.Attribute{Name: statement.KeyID, Value: from.String()}
	if _, ok, err := a.svc.TrustDistance(ctx, a.svc.Root(), key); err != nil || !ok {
		log.Debugf("Ignoring announcement of %s from untrusted %s", dir, from.ShortString())
		return false
	}

	name := from.String()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.queued[name] {
		return false
	}
	select {
	case a.pending <- name:
		a.queued[name] = true
		log.Debugf("Scheduled sync with %s for %s", from.ShortString(), dir)
		return true
	default:
		log.Warnf("Sync queue full, dropping announcement from %s", from.ShortString())
		return false
	}
}

// run syncs queued peers one at a time until ctx is cancelled.
func (a *announcer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case name := <-a.pending:
			a.mu.Lock()
			delete(a.queued, name)
			a.mu.Unlock()
			if err := a.sync(ctx, name); err != nil && ctx.Err() == nil {
				log.Warnf("Sync with announcing peer %s failed: %v", name, err)
			}
		}
	}
}

func (n *Node) handleAnnouncements(sub *pubsub.Subscription) {
	defer n.wg.Done()
	n.announcer.read(n.ctx, sub.Next)
}

// read hands the announcements next returns to handle until ctx is cancelled or the subscription
// ends. Read errors back off.
func (a *announcer) read(ctx context.Context, next func(context.Context) (*pubsub.Message, error)) {
	a.readBackOff.Reset()
	for {
		msg, err := next(ctx)
		if ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
			return
		}
		if err != nil {
			wait := a.readBackOff.NextBackOff()
			log.Warnf("Error reading announcements, retrying in %s: %v", wait, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		a.readBackOff.Reset()
		a.handle(ctx, msg.GetFrom(), msg.Data)
	}
}

// announce publishes a newly built directory on the roots topic.
func (n *Node) announce(ctx context.Context, dir cid.Cid) {
	if n.roots == nil {
		return
	}
	if err := n.roots.Publish(ctx, dir.Bytes()); err != nil {
		log.Warnf("Failed to announce directory %s: %v", dir, err)
		return
	}
	log.Debugf("Announced directory %s", dir)
}
