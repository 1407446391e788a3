package pgroup

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

const (
	metaVersion         = 1
	metaHeaderSize      = 1 + 16 + 4 + 4
	defaultPollInterval = 50 * time.Millisecond
	updateTimeout       = 10 * time.Second
	leaveTimeout        = 2 * time.Second
)

// ErrMetaTooLarge indicates an AllGather payload that does not fit memberlist
// node metadata.
var ErrMetaTooLarge = errors.New("pgroup: payload exceeds gossip metadata limit")

// GossipConfig configures a memberlist-backed group.
type GossipConfig struct {
	// ClusterID is shared by every rank of the group.
	ClusterID     string
	Rank          int
	Size          int
	NodeName      string
	BindAddr      string
	BindPort      int
	AdvertiseAddr string
	AdvertisePort int
	Seeds         []string
	PollInterval  time.Duration
	Logger        *zap.Logger
}

var _ Group = (*Gossip)(nil)

// Gossip is a Group whose members discover each other through
// hashicorp/memberlist. AllGather payloads travel in node metadata: each node
// publishes its current round and payload plus the previous round's payload,
// so a node that finished a round early does not hide data from slower peers.
type Gossip struct {
	cfg      GossipConfig
	cluster  uuid.UUID
	list     *memberlist.Memberlist
	delegate *gossipDelegate
	logger   *zap.Logger

	localRank int
	round     uint32
	current   []byte
	closed    bool
}

type gossipDelegate struct {
	mu   sync.RWMutex
	meta []byte
}

func (d *gossipDelegate) NodeMeta(limit int) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.meta
}

func (d *gossipDelegate) NotifyMsg([]byte)                           {}
func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *gossipDelegate) LocalState(join bool) []byte                { return nil }
func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool)     {}

func (d *gossipDelegate) setMeta(meta []byte) {
	d.mu.Lock()
	d.meta = meta
	d.mu.Unlock()
}

type nodeMeta struct {
	cluster uuid.UUID
	rank    uint32
	round   uint32
	payload []byte
	prev    []byte
}

func (m nodeMeta) encode() ([]byte, error) {
	size := metaHeaderSize + 2 + len(m.payload) + 2 + len(m.prev)
	if size > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrMetaTooLarge, size, memberlist.MetaMaxSize)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, metaVersion)
	buf = append(buf, m.cluster[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.rank)
	buf = binary.LittleEndian.AppendUint32(buf, m.round)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.payload)))
	buf = append(buf, m.payload...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.prev)))
	buf = append(buf, m.prev...)
	return buf, nil
}

func decodeMeta(raw []byte) (nodeMeta, bool) {
	var m nodeMeta
	if len(raw) < metaHeaderSize+4 || raw[0] != metaVersion {
		return m, false
	}
	copy(m.cluster[:], raw[1:17])
	m.rank = binary.LittleEndian.Uint32(raw[17:21])
	m.round = binary.LittleEndian.Uint32(raw[21:25])
	rest := raw[metaHeaderSize:]
	var ok bool
	if m.payload, rest, ok = readBlob(rest); !ok {
		return m, false
	}
	if m.prev, _, ok = readBlob(rest); !ok {
		return m, false
	}
	return m, true
}

func readBlob(b []byte) ([]byte, []byte, bool) {
	if len(b) < 2 {
		return nil, nil, false
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return nil, nil, false
	}
	return bytes.Clone(b[:n]), b[n:], true
}

// NewGossip starts the local memberlist node and contacts the seeds. Seeds
// that are not reachable yet are retried by Join.
func NewGossip(cfg GossipConfig) (*Gossip, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pgroup: group size must be positive, got %d", cfg.Size)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidRank, cfg.Rank, cfg.Size)
	}
	cluster, err := uuid.Parse(cfg.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("pgroup: invalid cluster id %q: %w", cfg.ClusterID, err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.NodeName
	if name == "" {
		name = fmt.Sprintf("%s-rank-%d", cluster.String()[:8], cfg.Rank)
	}

	g := &Gossip{
		cfg:      cfg,
		cluster:  cluster,
		delegate: &gossipDelegate{},
		logger:   logger.With(zap.String("cluster", cluster.String()), zap.Int("rank", cfg.Rank)),
	}
	meta, err := nodeMeta{cluster: cluster, rank: uint32(cfg.Rank)}.encode()
	if err != nil {
		return nil, err
	}
	g.delegate.setMeta(meta)

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = name
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertiseAddr = cfg.AdvertiseAddr
	mlConfig.AdvertisePort = cfg.AdvertisePort
	mlConfig.Delegate = g.delegate
	mlConfig.LogOutput = &memberlistLogWriter{logger: g.logger}
	mlConfig.GossipInterval = 100 * time.Millisecond
	mlConfig.ProbeInterval = time.Second
	mlConfig.ProbeTimeout = 500 * time.Millisecond
	mlConfig.PushPullInterval = 5 * time.Second

	list, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("pgroup: create memberlist: %w", err)
	}
	g.list = list
	g.logger.Info("gossip node started", zap.String("node", name), zap.String("addr", g.Addr()))

	if len(cfg.Seeds) > 0 {
		if _, err := list.Join(cfg.Seeds); err != nil {
			g.logger.Debug("initial join failed, will retry", zap.Strings("seeds", cfg.Seeds), zap.Error(err))
		}
	}
	return g, nil
}

// Addr returns the host:port other ranks use as a seed.
func (g *Gossip) Addr() string {
	node := g.list.LocalNode()
	return net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
}

func (g *Gossip) Rank() int      { return g.cfg.Rank }
func (g *Gossip) Size() int      { return g.cfg.Size }
func (g *Gossip) LocalRank() int { return g.localRank }

type peer struct {
	node *memberlist.Node
	meta nodeMeta
}

func (g *Gossip) peers() (map[int]peer, error) {
	out := make(map[int]peer, g.cfg.Size)
	for _, node := range g.list.Members() {
		m, ok := decodeMeta(node.Meta)
		if !ok || m.cluster != g.cluster {
			continue
		}
		rank := int(m.rank)
		if rank >= g.cfg.Size {
			return nil, fmt.Errorf("%w: node %s claims rank %d of %d", ErrInvalidRank, node.Name, rank, g.cfg.Size)
		}
		if other, dup := out[rank]; dup && other.node.Name != node.Name {
			return nil, fmt.Errorf("%w: rank %d claimed by %s and %s", ErrInvalidRank, rank, other.node.Name, node.Name)
		}
		out[rank] = peer{node: node, meta: m}
	}
	return out, nil
}

// Join waits until all ranks are visible and derives the local rank from the
// ranks advertising the same host address.
func (g *Gossip) Join(ctx context.Context) error {
	if g.closed {
		return ErrClosed
	}
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		peers, err := g.peers()
		if err != nil {
			return err
		}
		if len(peers) == g.cfg.Size {
			self := peers[g.cfg.Rank].node.Addr.String()
			g.localRank = 0
			for rank, p := range peers {
				if rank < g.cfg.Rank && p.node.Addr.String() == self {
					g.localRank++
				}
			}
			g.logger.Info("gossip group joined", zap.Int("size", g.cfg.Size), zap.Int("local_rank", g.localRank))
			return nil
		}
		if len(g.cfg.Seeds) > 0 {
			_, _ = g.list.Join(g.cfg.Seeds)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("pgroup: join with %d of %d ranks: %w", len(peers), g.cfg.Size, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *Gossip) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	if g.closed {
		return nil, ErrClosed
	}
	prev := g.current
	g.round++
	g.current = bytes.Clone(data)
	meta, err := nodeMeta{cluster: g.cluster, rank: uint32(g.cfg.Rank), round: g.round, payload: g.current, prev: prev}.encode()
	if err != nil {
		return nil, err
	}
	g.delegate.setMeta(meta)
	if err := g.list.UpdateNode(updateTimeout); err != nil {
		return nil, fmt.Errorf("pgroup: publish round %d: %w", g.round, err)
	}

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		peers, err := g.peers()
		if err != nil {
			return nil, err
		}
		out := make([][]byte, g.cfg.Size)
		complete := true
		for rank := 0; rank < g.cfg.Size; rank++ {
			p, ok := peers[rank]
			switch {
			case !ok:
				complete = false
			case p.meta.round == g.round:
				out[rank] = p.meta.payload
			case p.meta.round == g.round+1:
				out[rank] = p.meta.prev
			default:
				complete = false
			}
		}
		if complete {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pgroup: all-gather round %d: %w", g.round, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *Gossip) Barrier(ctx context.Context) error {
	_, err := g.AllGather(ctx, nil)
	return err
}

// Close leaves the gossip cluster and shuts the node down.
func (g *Gossip) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	leaveErr := g.list.Leave(leaveTimeout)
	if err := g.list.Shutdown(); err != nil {
		return fmt.Errorf("pgroup: shutdown memberlist: %w", err)
	}
	if leaveErr != nil {
		return fmt.Errorf("pgroup: leave: %w", leaveErr)
	}
	return nil
}

type memberlistLogWriter struct {
	logger *zap.Logger
}

func (w *memberlistLogWriter) Write(p []byte) (int, error) {
	w.logger.Debug(strings.TrimSpace(string(p)), zap.String("source", "memberlist"))
	return len(p), nil
}
