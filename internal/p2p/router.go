package p2p

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	multiaddr "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/multierr"

	"github.com/cybermesh/mining-peer/internal/bus"
	"github.com/cybermesh/mining-peer/internal/metrics"
	"github.com/cybermesh/mining-peer/internal/utils"
)

// Options tunes the libp2p host, discovery and gossip layers.
type Options struct {
	ListenPort int
	// IDSeedHex is a 32-byte hex seed for a stable peer id. Empty means a random identity.
	IDSeedHex         string
	Rendezvous        string
	ProtocolPrefix    string
	EnableMDNS        bool
	ConnLow, ConnHigh int
	GracePeriod       time.Duration
	BootstrapAddrs    []string
	AllowedCIDRs      []string
	DiscoveryInterval time.Duration
	MaxMessageSize    int
	MaxHandlers       int
}

func (o *Options) defaults() {
	if o.Rendezvous == "" {
		o.Rendezvous = "mining-peer/v1"
	}
	if o.ProtocolPrefix == "" {
		o.ProtocolPrefix = "/mining-peer"
	}
	if o.ConnLow <= 0 || o.ConnHigh <= o.ConnLow {
		o.ConnLow, o.ConnHigh = 4, 32
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = time.Minute
	}
	if o.DiscoveryInterval <= 0 {
		o.DiscoveryInterval = 5 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.MaxHandlers <= 0 {
		o.MaxHandlers = 64
	}
}

// Router is a bus.Bus over GossipSub. Each bus topic maps to one gossip topic.
type Router struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *utils.Logger

	Host   host.Host
	DHT    *dht.IpfsDHT
	Gossip *pubsub.PubSub

	discovery *drouting.RoutingDiscovery
	mdns      mdns.Service
	state     *State
	metrics   *metrics.Recorder
	opts      Options

	mu       sync.RWMutex
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription
	handlers map[string][]bus.Handler
	closed   bool

	handlerSem chan struct{}
	wg         sync.WaitGroup
}

var _ bus.Bus = (*Router)(nil)

// NewRouter starts a libp2p host with DHT rendezvous and optional mDNS discovery.
func NewRouter(parent context.Context, opts Options, st *State, log *utils.Logger, rec *metrics.Recorder) (*Router, error) {
	opts.defaults()
	if log == nil {
		log = utils.NewNopLogger()
	}
	if st == nil {
		st = NewState(log)
	}
	ctx, cancel := context.WithCancel(parent)

	priv, pid, err := deriveIdentity(opts.IDSeedHex)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("derive identity: %w", err)
	}
	log.Info("p2p identity derived", utils.ZapString("peer_id", pid.String()))

	listenAddrs := []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)}
	if hasIPv6() {
		listenAddrs = append(listenAddrs, fmt.Sprintf("/ip6/::/tcp/%d", opts.ListenPort))
	}

	cm, err := connmgr.NewConnManager(opts.ConnLow, opts.ConnHigh, connmgr.WithGracePeriod(opts.GracePeriod))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connmgr: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.ConnectionGater(&connGater{allowed: parseCIDRs(opts.AllowedCIDRs), log: log}),
		libp2p.Security(noise.ID, noise.New),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	ipfsDHT, err := dht.New(ctx, h,
		dht.ProtocolPrefix(protocol.ID(opts.ProtocolPrefix+"/kad")),
		dht.Mode(dht.ModeAuto),
	)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("dht: %w", err)
	}

	params := pubsub.DefaultGossipSubParams()
	params.D = 3
	params.Dlo = 2
	params.Dhi = 6
	params.Dlazy = 4
	params.HeartbeatInterval = 500 * time.Millisecond
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
		pubsub.WithGossipSubParams(params),
		pubsub.WithMaxMessageSize(opts.MaxMessageSize),
	)
	if err != nil {
		_ = ipfsDHT.Close()
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}

	r := &Router{
		ctx:        ctx,
		cancel:     cancel,
		log:        log,
		Host:       h,
		DHT:        ipfsDHT,
		Gossip:     ps,
		discovery:  drouting.NewRoutingDiscovery(ipfsDHT),
		state:      st,
		metrics:    rec,
		opts:       opts,
		topics:     map[string]*pubsub.Topic{},
		subs:       map[string]*pubsub.Subscription{},
		handlers:   map[string][]bus.Handler{},
		handlerSem: make(chan struct{}, opts.MaxHandlers),
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			st.OnConnect(c.RemotePeer(), map[string]string{
				"direction": c.Stat().Direction.String(),
				"remote":    c.RemoteMultiaddr().String(),
			})
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			st.OnDisconnect(c.RemotePeer())
		},
	})

	if opts.EnableMDNS {
		r.mdns = mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{h: h, log: log})
		if err := r.mdns.Start(); err != nil {
			log.Warn("mDNS service failed to start", utils.ZapError(err))
			r.mdns = nil
		} else {
			log.Info("mDNS local discovery enabled", utils.ZapString("rendezvous", opts.Rendezvous))
		}
	}

	if err := r.dialBootstrapPeers(); err != nil {
		log.Warn("bootstrap dialing issues", utils.ZapError(err))
	}

	r.wg.Add(1)
	go r.discoveryLoop()

	return r, nil
}

// ID returns the libp2p peer id of this host.
func (r *Router) ID() peer.ID { return r.Host.ID() }

// State exposes connection tracking for readiness checks.
func (r *Router) State() *State { return r.state }

func (r *Router) Publish(ctx context.Context, topic string, data []byte) error {
	if len(data) > r.opts.MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), r.opts.MaxMessageSize)
	}
	t, err := r.join(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, data); err != nil {
		r.metrics.ObserveBusError(bus.BackendP2P, "publish")
		r.log.Warn("publish failed", utils.ZapString("topic", topic), utils.ZapError(err))
		return fmt.Errorf("p2p publish %s: %w", topic, err)
	}
	return nil
}

func (r *Router) Subscribe(_ context.Context, handler bus.Handler, topics ...string) error {
	if handler == nil {
		return bus.ErrNilHandler
	}
	if len(topics) == 0 {
		return bus.ErrNoTopics
	}
	for _, topic := range topics {
		t, err := r.join(topic)
		if err != nil {
			return err
		}

		r.mu.Lock()
		r.handlers[topic] = append(r.handlers[topic], handler)
		_, subscribed := r.subs[topic]
		if !subscribed {
			sub, err := t.Subscribe()
			if err != nil {
				r.mu.Unlock()
				return fmt.Errorf("subscribe topic %s: %w", topic, err)
			}
			r.subs[topic] = sub
			r.wg.Add(1)
			go r.consume(topic, sub)
		}
		r.mu.Unlock()
	}
	return nil
}

// Close shuts everything down.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, sub := range r.subs {
		sub.Cancel()
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	var err error
	if r.mdns != nil {
		err = multierr.Append(err, r.mdns.Close())
	}
	err = multierr.Append(err, r.DHT.Close())
	return multierr.Append(err, r.Host.Close())
}

func (r *Router) join(topic string) (*pubsub.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, bus.ErrClosed
	}
	if t, ok := r.topics[topic]; ok {
		return t, nil
	}
	if err := r.Gossip.RegisterTopicValidator(topic, r.validate); err != nil {
		return nil, fmt.Errorf("register validator %s: %w", topic, err)
	}
	t, err := r.Gossip.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", topic, err)
	}
	r.topics[topic] = t
	return t, nil
}

func (r *Router) validate(_ context.Context, _ peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	if len(msg.Data) == 0 {
		return pubsub.ValidationIgnore
	}
	if len(msg.Data) > r.opts.MaxMessageSize {
		return pubsub.ValidationReject
	}
	return pubsub.ValidationAccept
}

func (r *Router) consume(topic string, sub *pubsub.Subscription) {
	defer r.wg.Done()
	for {
		msg, err := sub.Next(r.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				r.log.Warn("topic consumer stopped", utils.ZapString("topic", topic), utils.ZapError(err))
			}
			return
		}
		from := msg.ReceivedFrom
		r.log.Debug("got message",
			utils.ZapString("topic", topic),
			utils.ZapString("from", from.String()),
			utils.ZapInt("bytes", len(msg.Data)))
		if from != r.Host.ID() {
			r.state.OnMessage(from, len(msg.Data))
		}

		r.mu.RLock()
		hs := append([]bus.Handler(nil), r.handlers[topic]...)
		r.mu.RUnlock()
		for _, h := range hs {
			select {
			case r.handlerSem <- struct{}{}:
				go func(h bus.Handler, data []byte) {
					defer func() { <-r.handlerSem }()
					defer func() {
						if rec := recover(); rec != nil {
							r.log.Error("handler panic",
								utils.ZapString("topic", topic),
								utils.ZapAny("panic", rec))
						}
					}()
					h(r.ctx, topic, data)
				}(h, msg.Data)
			case <-r.ctx.Done():
				return
			}
		}
	}
}

func (r *Router) dialBootstrapPeers() error {
	var errs error
	for _, addr := range r.opts.BootstrapAddrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: invalid multiaddr: %w", addr, err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: peer info: %w", addr, err))
			continue
		}

		ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
		err = r.Host.Connect(ctx, *info)
		cancel()
		if err != nil {
			r.log.Debug("bootstrap connection failed",
				utils.ZapString("peer", info.ID.String()),
				utils.ZapError(err))
			continue
		}
		r.log.Info("bootstrap connection successful", utils.ZapString("peer", info.ID.String()))
	}
	return errs
}

// discoveryLoop advertises the rendezvous namespace and dials what the DHT returns.
func (r *Router) discoveryLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.opts.DiscoveryInterval)
	defer t.Stop()

	for {
		if _, err := r.discovery.Advertise(r.ctx, r.opts.Rendezvous); err != nil && r.ctx.Err() == nil {
			r.log.Debug("rendezvous advertise failed", utils.ZapError(err))
		}
		peerCh, err := r.discovery.FindPeers(r.ctx, r.opts.Rendezvous)
		if err != nil {
			r.log.Debug("discovery error", utils.ZapError(err))
		} else {
			for p := range peerCh {
				if p.ID == "" || p.ID == r.Host.ID() {
					continue
				}
				if r.Host.Network().Connectedness(p.ID) == network.Connected {
					continue
				}
				_ = r.Host.Connect(r.ctx, p)
			}
		}

		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
		}
	}
}

func deriveIdentity(seedHex string) (crypto.PrivKey, peer.ID, error) {
	if seedHex = strings.TrimSpace(seedHex); seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil || len(seed) < ed25519.SeedSize {
			return nil, "", fmt.Errorf("P2P_ID_SEED must be %d hex-encoded bytes", ed25519.SeedSize)
		}
		return fromSeed(seed[:ed25519.SeedSize])
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, "", err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	return priv, pid, err
}

func fromSeed(seed []byte) (crypto.PrivKey, peer.ID, error) {
	std := ed25519.NewKeyFromSeed(seed)
	libPriv, err := crypto.UnmarshalEd25519PrivateKey([]byte(std))
	if err != nil {
		return nil, "", err
	}
	pid, err := peer.IDFromPrivateKey(libPriv)
	return libPriv, pid, err
}

// connGater enforces the IP allowlist at the transport layer.
type connGater struct {
	allowed []*net.IPNet
	log     *utils.Logger
}

func (g *connGater) allowIP(addr multiaddr.Multiaddr) bool {
	if len(g.allowed) == 0 {
		return true
	}
	ip, err := manet.ToIP(addr)
	if err != nil {
		g.log.Warn("could not extract IP from multiaddr", utils.ZapString("addr", addr.String()))
		return false
	}
	for _, n := range g.allowed {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *connGater) InterceptPeerDial(peer.ID) bool { return true }

func (g *connGater) InterceptAddrDial(_ peer.ID, addr multiaddr.Multiaddr) bool {
	return g.allowIP(addr)
}

func (g *connGater) InterceptAccept(addr network.ConnMultiaddrs) bool {
	return g.allowIP(addr.RemoteMultiaddr())
}

func (g *connGater) InterceptSecured(_ network.Direction, _ peer.ID, addr network.ConnMultiaddrs) bool {
	return g.allowIP(addr.RemoteMultiaddr())
}

func (g *connGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

// parseCIDRs accepts CIDRs and bare IPs; invalid entries are skipped.
func parseCIDRs(list []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				continue
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		if _, n, err := net.ParseCIDR(s); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func hasIPv6() bool {
	ifcs, _ := net.Interfaces()
	for _, ifc := range ifcs {
		addrs, _ := ifc.Addrs()
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To16() != nil && ipnet.IP.To4() == nil {
				return true
			}
		}
	}
	return false
}

// mdnsNotifee dials peers found on the local network.
type mdnsNotifee struct {
	h   host.Host
	log *utils.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	n.log.Info("mDNS peer discovered", utils.ZapString("peer_id", pi.ID.String()))
	if err := n.h.Connect(context.Background(), pi); err != nil {
		n.log.Warn("failed to connect to mDNS peer", utils.ZapString("peer_id", pi.ID.String()), utils.ZapError(err))
		return
	}
	n.h.ConnManager().Protect(pi.ID, "mining-peer")
}
