package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/spacedatanetwork/sdn-trust/internal/contentstore"
)

const (
	// BlockProtocolID is the libp2p protocol peers fetch index blocks over.
	BlockProtocolID = protocol.ID("/sdn-trust/blocks/1.0.0")

	streamReadDeadline  = 15 * time.Second
	streamWriteDeadline = 10 * time.Second

	maxCIDSize   = 128
	maxBlockSize = 4 << 20
	// maxFetchPeers bounds how many connected peers are asked for one block.
	maxFetchPeers = 8

	statusOK          uint32 = 0
	statusNotFound    uint32 = 1
	statusError       uint32 = 2
	statusRateLimited uint32 = 3
)

// ErrRateLimited is returned when a peer refuses a request because of its rate limit.
var ErrRateLimited = errors.New("rate limited by peer")

// BlockExchange serves local blocks to peers and fetches missing ones from them.
//
// Wire format:
//   - Request: cidLen(4 LE) + cid(N)
//   - Response: status(4 LE) + dataLen(4 LE) + data(N)
type BlockExchange struct {
	host    host.Host
	blocks  *contentstore.Store
	limiter *PeerRateLimiter
}

var _ contentstore.Fetcher = (*BlockExchange)(nil)

// NewBlockExchange creates a block exchange over h serving blocks.
func NewBlockExchange(h host.Host, blocks *contentstore.Store) *BlockExchange {
	return &BlockExchange{host: h, blocks: blocks, limiter: NewPeerRateLimiter(BlockRateLimit())}
}

// Register installs the stream handler on the host.
func (b *BlockExchange) Register() {
	b.host.SetStreamHandler(BlockProtocolID, b.handleStream)
	log.Infof("Registered block exchange protocol: %s", BlockProtocolID)
}

func (b *BlockExchange) handleStream(stream network.Stream) {
	defer stream.Close()

	remote := stream.Conn().RemotePeer()
	remotePeer := remote.ShortString()
	_ = stream.SetReadDeadline(time.Now().Add(streamReadDeadline))

	var reqLen uint32
	if err := binary.Read(stream, binary.LittleEndian, &reqLen); err != nil {
		log.Debugf("blocks: read header from %s failed: %v", remotePeer, err)
		return
	}
	if reqLen == 0 || reqLen > maxCIDSize {
		log.Warnf("blocks: invalid request length %d from %s", reqLen, remotePeer)
		return
	}
	raw := make([]byte, reqLen)
	if _, err := io.ReadFull(stream, raw); err != nil {
		log.Debugf("blocks: read CID from %s failed: %v", remotePeer, err)
		return
	}
	if !b.limiter.Allow(remote) {
		writeResponse(stream, statusRateLimited, nil, remotePeer)
		return
	}
	c, err := cid.Cast(raw)
	if err != nil {
		writeResponse(stream, statusError, nil, remotePeer)
		return
	}

	// Only local blocks are served so requests never cascade through the network.
	ctx, cancel := context.WithTimeout(context.Background(), streamWriteDeadline)
	defer cancel()
	has, err := b.blocks.Has(ctx, c)
	if err != nil {
		writeResponse(stream, statusError, nil, remotePeer)
		return
	}
	if !has {
		writeResponse(stream, statusNotFound, nil, remotePeer)
		return
	}
	data, err := b.blocks.Get(ctx, c)
	if err != nil {
		writeResponse(stream, statusError, nil, remotePeer)
		return
	}
	writeResponse(stream, statusOK, data, remotePeer)
}

func writeResponse(stream network.Stream, status uint32, data []byte, remotePeer string) {
	_ = stream.SetWriteDeadline(time.Now().Add(streamWriteDeadline))

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], status)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	if _, err := stream.Write(header); err != nil {
		log.Debugf("blocks: write header to %s failed: %v", remotePeer, err)
		return
	}
	if len(data) > 0 {
		if _, err := stream.Write(data); err != nil {
			log.Debugf("blocks: write data to %s failed: %v", remotePeer, err)
		}
	}
}

// Fetch implements contentstore.Fetcher by asking connected peers in turn.
func (b *BlockExchange) Fetch(ctx context.Context, c cid.Cid) ([]byte, error) {
	peers := b.host.Network().Peers()
	if len(peers) > maxFetchPeers {
		peers = peers[:maxFetchPeers]
	}
	for _, p := range peers {
		data, err := b.FetchFrom(ctx, p, c)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debugf("blocks: %s from %s: %v", c, p.ShortString(), err)
	}
	return nil, fmt.Errorf("block %s: %w", c, contentstore.ErrNotFound)
}

// FetchFrom requests one block from p.
func (b *BlockExchange) FetchFrom(ctx context.Context, p peer.ID, c cid.Cid) ([]byte, error) {
	streamCtx, cancel := context.WithTimeout(ctx, streamReadDeadline+streamWriteDeadline)
	defer cancel()

	stream, err := b.host.NewStream(streamCtx, p, BlockProtocolID)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	raw := c.Bytes()
	_ = stream.SetWriteDeadline(time.Now().Add(streamWriteDeadline))
	req := make([]byte, 4+len(raw))
	binary.LittleEndian.PutUint32(req[0:4], uint32(len(raw)))
	copy(req[4:], raw)
	if _, err := stream.Write(req); err != nil {
		return nil, err
	}

	_ = stream.SetReadDeadline(time.Now().Add(streamReadDeadline))
	var respHeader [8]byte
	if _, err := io.ReadFull(stream, respHeader[:]); err != nil {
		return nil, err
	}
	status := binary.LittleEndian.Uint32(respHeader[0:4])
	dataLen := binary.LittleEndian.Uint32(respHeader[4:8])
	switch {
	case status == statusNotFound:
		return nil, contentstore.ErrNotFound
	case status == statusRateLimited:
		return nil, ErrRateLimited
	case status != statusOK:
		return nil, fmt.Errorf("peer returned status %d", status)
	case dataLen == 0 || dataLen > maxBlockSize:
		return nil, errors.New("bad block length")
	}

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(stream, data); err != nil {
		return nil, err
	}
	return data, nil
}
