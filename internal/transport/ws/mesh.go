// Package ws connects peers into a full mesh of websocket links.
//
// Every member may accept links on a listen address and dial seed URLs.
// The member ids travel in an HTTP header during the upgrade, so both
// ends know who they are talking to before the first frame. The accepting
// side also answers with the URLs of the members it is linked to, and
// Join dials those too, so seeding any one member links a newcomer to the
// whole mesh. Optional mDNS discovery finds members on the local network
// without seeds.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	neturl "net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/timewarp/internal/transport"
)

// Upgrade headers.
const (
	// HeaderMember carries the sender's member id.
	HeaderMember = "X-Timewarp-Member"
	// HeaderURL carries the URL the sender accepts links on, if any.
	HeaderURL = "X-Timewarp-URL"
	// HeaderPeers lists, in the upgrade response, the URLs of members the
	// accepting side is linked to.
	HeaderPeers = "X-Timewarp-Peers"
)

// Defaults for zero Config fields.
const (
	DefaultPath         = "/ws"
	DefaultRetryFor     = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultService      = "_timewarp._tcp"
	DefaultDiscoverFor  = 2 * time.Second
)

// Config describes how a member reaches the mesh.
type Config struct {
	// Listen is the host:port to accept links on. Empty disables
	// accepting.
	Listen string
	// Path is the websocket endpoint. Defaults to /ws.
	Path string
	// Advertise is the URL other members are told to dial. Defaults to
	// the listener's URL.
	Advertise string
	// Seeds are ws:// URLs dialed while joining.
	Seeds []string
	// RetryFor bounds how long a seed is retried. Defaults to 10s.
	RetryFor time.Duration
	// WriteTimeout bounds each frame write. Defaults to 5s.
	WriteTimeout time.Duration

	// Discover enables mDNS registration and browsing.
	Discover bool
	// Service is the mDNS service type. Defaults to _timewarp._tcp.
	Service string
	// DiscoverFor is how long Join browses for members. Defaults to 2s.
	DiscoverFor time.Duration
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.RetryFor <= 0 {
		c.RetryFor = DefaultRetryFor
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.DiscoverFor <= 0 {
		c.DiscoverFor = DefaultDiscoverFor
	}
	return c
}

// Network joins websocket meshes.
type Network struct {
	cfg    Config
	logger *slog.Logger
}

// Option configures a Network.
type Option func(*Network)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(n *Network) {
		n.logger = l
	}
}

// New returns a network using cfg.
func New(cfg Config, opts ...Option) *Network {
	n := &Network{
		cfg:    cfg.withDefaults(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Join starts accepting links, dials every seed and, if enabled,
// discovered members. It returns once all of them are connected or have
// failed for good; a seed that cannot be reached is logged, not fatal.
func (n *Network) Join(ctx context.Context, h transport.Handler) (transport.Group, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	m := &Mesh{
		cfg:    n.cfg,
		self:   transport.MemberID(id.String()),
		h:      h,
		logger: n.logger,
		links:  make(map[transport.MemberID]*link),
		dialer: &websocket.Dialer{HandshakeTimeout: n.cfg.WriteTimeout},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	if n.cfg.Listen != "" {
		if err := m.listen(); err != nil {
			return nil, err
		}
	}

	for _, seed := range n.cfg.Seeds {
		if err := m.dialWithRetry(ctx, seed); err != nil {
			if ctx.Err() != nil {
				m.Close()
				return nil, ctx.Err()
			}
			m.logger.Warn("seed unreachable", "url", seed, "error", err)
		}
	}

	if n.cfg.Discover {
		if err := m.discover(ctx); err != nil {
			m.logger.Warn("discovery failed", "error", err)
		}
	}

	if err := m.dialLearned(ctx); err != nil {
		m.Close()
		return nil, err
	}

	m.logger.Info("joined mesh",
		"member", string(m.self),
		"url", m.URL(),
		"members", len(m.Members()),
	)
	return m, nil
}

// Mesh is one member's links to the rest of the group.
type Mesh struct {
	cfg      Config
	self     transport.MemberID
	h        transport.Handler
	logger   *slog.Logger
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader

	server *http.Server
	addr   net.Addr
	stop   func()

	mu      sync.Mutex
	links   map[transport.MemberID]*link
	order   []transport.MemberID
	learned []string
	closed  bool
}

type link struct {
	peer     transport.MemberID
	url      string
	conn     *websocket.Conn
	outbound bool

	writeMu sync.Mutex
}

func (l *link) write(data []byte, timeout time.Duration) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Mesh) listen() error {
	ln, err := net.Listen("tcp", m.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.cfg.Listen, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(m.cfg.Path, m.serveWS)
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	m.addr = ln.Addr()
	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("mesh listener stopped", "error", err)
		}
	}()
	return nil
}

// URL is the websocket URL other members dial to reach this one, or ""
// when not listening.
func (m *Mesh) URL() string {
	if m.cfg.Advertise != "" {
		return m.cfg.Advertise
	}
	if m.addr == nil {
		return ""
	}
	return "ws://" + m.addr.String() + m.cfg.Path
}

// handshake is the upgrade header identifying this member.
func (m *Mesh) handshake() http.Header {
	h := http.Header{HeaderMember: []string{string(m.self)}}
	if url := m.URL(); url != "" {
		h.Set(HeaderURL, url)
	}
	return h
}

// peerURLs lists the URLs of linked members other than except.
func (m *Mesh) peerURLs(except transport.MemberID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var urls []string
	for _, id := range m.order {
		if l := m.links[id]; id != except && l.url != "" {
			urls = append(urls, l.url)
		}
	}
	return urls
}

func (m *Mesh) serveWS(w http.ResponseWriter, r *http.Request) {
	peer := transport.MemberID(r.Header.Get(HeaderMember))
	if peer == "" || peer == m.self {
		http.Error(w, "missing or invalid member id", http.StatusBadRequest)
		return
	}
	header := m.handshake()
	if urls := m.peerURLs(peer); len(urls) > 0 {
		header.Set(HeaderPeers, strings.Join(urls, ","))
	}
	conn, err := m.upgrader.Upgrade(w, r, header)
	if err != nil {
		m.logger.Warn("upgrade failed", "peer", string(peer), "error", err)
		return
	}
	m.attach(&link{peer: peer, url: reachableURL(r.Header.Get(HeaderURL), r.RemoteAddr), conn: conn})
}

// reachableURL replaces an unspecified host in an advertised URL, as a
// member listening on ":port" reports it, with the host the link came
// from. It returns "" for a missing or unparsable URL.
func reachableURL(advertised, remoteAddr string) string {
	if advertised == "" {
		return ""
	}
	u, err := neturl.Parse(advertised)
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(u.Hostname()); u.Hostname() != "" && (ip == nil || !ip.IsUnspecified()) {
		return advertised
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return ""
	}
	u.Host = net.JoinHostPort(host, u.Port())
	return u.String()
}

// dial links to the member at url and remembers the members it names.
func (m *Mesh) dial(ctx context.Context, url string) error {
	conn, resp, err := m.dialer.DialContext(ctx, url, m.handshake())
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	peer := transport.MemberID(resp.Header.Get(HeaderMember))
	if peer == "" || peer == m.self {
		conn.Close()
		return fmt.Errorf("dial %s: bad member id %q", url, peer)
	}
	if advertised := reachableURL(resp.Header.Get(HeaderURL), conn.RemoteAddr().String()); advertised != "" {
		url = advertised
	}
	if peers := resp.Header.Get(HeaderPeers); peers != "" {
		m.mu.Lock()
		m.learned = append(m.learned, strings.Split(peers, ",")...)
		m.mu.Unlock()
	}
	m.attach(&link{peer: peer, url: url, conn: conn, outbound: true})
	return nil
}

// dialLearned dials every member URL a handshake named that is not linked
// yet, until no new ones turn up. An unreachable member is logged and
// skipped.
func (m *Mesh) dialLearned(ctx context.Context) error {
	tried := make(map[string]bool)
	for {
		m.mu.Lock()
		urls := m.learned
		m.learned = nil
		m.mu.Unlock()
		if len(urls) == 0 {
			return nil
		}
		for _, url := range urls {
			if tried[url] || url == m.URL() || m.linkedURL(url) {
				continue
			}
			tried[url] = true
			if err := m.dial(ctx, url); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.Warn("learned member unreachable", "url", url, "error", err)
			}
		}
	}
}

func (m *Mesh) linkedURL(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.url == url {
			return true
		}
	}
	return false
}

func (m *Mesh) dialWithRetry(ctx context.Context, url string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = m.cfg.RetryFor

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := m.dial(ctx, url)
		if err != nil {
			m.logger.Debug("dial attempt failed", "url", url, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// attach registers a link, resolving duplicates so both ends keep the
// same one: the link dialed by the member with the smaller id wins.
func (m *Mesh) attach(l *link) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		l.conn.Close()
		return
	}
	if old, dup := m.links[l.peer]; dup {
		keepNew := l.outbound == (m.self < l.peer)
		if !keepNew {
			m.mu.Unlock()
			l.conn.Close()
			return
		}
		old.conn.Close()
	} else {
		m.order = append(m.order, l.peer)
	}
	m.links[l.peer] = l
	m.mu.Unlock()

	m.logger.Debug("link up", "peer", string(l.peer), "outbound", l.outbound)
	go m.readLoop(l)
}

func (m *Mesh) readLoop(l *link) {
	defer m.detach(l)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		from, msg, err := transport.DecodeFrame(data)
		if err != nil {
			m.logger.Warn("dropping malformed frame", "peer", string(l.peer), "error", err)
			continue
		}
		m.h.Deliver(from, msg)
	}
}

func (m *Mesh) detach(l *link) {
	l.conn.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[l.peer] != l {
		return
	}
	delete(m.links, l.peer)
	m.order = slices.DeleteFunc(m.order, func(id transport.MemberID) bool { return id == l.peer })
	m.logger.Debug("link down", "peer", string(l.peer))
}

// Self returns this member's id.
func (m *Mesh) Self() transport.MemberID { return m.self }

// Members returns linked members in connection order.
func (m *Mesh) Members() []transport.MemberID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

func (m *Mesh) linkTo(id transport.MemberID) (*link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, transport.ErrClosed
	}
	l, ok := m.links[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownMember, id)
	}
	return l, nil
}

// Broadcast writes m to every link. A failed link is dropped; the first
// write error is returned after all links were tried.
func (m *Mesh) Broadcast(msg transport.Message) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	data, err := transport.EncodeFrame(m.self, msg)
	if err != nil {
		return err
	}
	var first error
	for _, id := range m.Members() {
		l, err := m.linkTo(id)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return err
			}
			continue
		}
		if err := l.write(data, m.cfg.WriteTimeout); err != nil {
			l.conn.Close()
			if first == nil {
				first = fmt.Errorf("write to %s: %w", id, err)
			}
		}
	}
	return first
}

// Send writes m to one member.
func (m *Mesh) Send(to transport.MemberID, msg transport.Message) error {
	l, err := m.linkTo(to)
	if err != nil {
		return err
	}
	data, err := transport.EncodeFrame(m.self, msg)
	if err != nil {
		return err
	}
	if err := l.write(data, m.cfg.WriteTimeout); err != nil {
		l.conn.Close()
		return fmt.Errorf("write to %s: %w", to, err)
	}
	return nil
}

// Close shuts the listener, discovery and every link.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	if m.stop != nil {
		m.stop()
	}
	for _, l := range links {
		l.writeMu.Lock()
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		l.conn.Close()
	}
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return m.server.Shutdown(ctx)
	}
	return nil
}
