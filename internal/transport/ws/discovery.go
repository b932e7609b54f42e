package ws

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/roach88/timewarp/internal/transport"
)

const txtMember = "member="

// discover registers this member over mDNS and dials every member found
// while browsing for DiscoverFor.
func (m *Mesh) discover(ctx context.Context) error {
	if tcp, ok := m.addr.(*net.TCPAddr); ok {
		server, err := zeroconf.Register(
			"timewarp-"+string(m.self),
			m.cfg.Service,
			"local.",
			tcp.Port,
			[]string{txtMember + string(m.self), "path=" + m.cfg.Path},
			nil,
		)
		if err != nil {
			return fmt.Errorf("register mDNS service: %w", err)
		}
		m.stop = server.Shutdown
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mDNS resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, m.cfg.DiscoverFor)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(browseCtx, m.cfg.Service, "local.", entries); err != nil {
		return fmt.Errorf("browse mDNS: %w", err)
	}

	var urls []string
collect:
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				break collect
			}
			if url, ok := m.entryURL(entry); ok {
				urls = append(urls, url)
			}
		case <-browseCtx.Done():
			break collect
		}
	}

	for _, url := range urls {
		if err := m.dial(ctx, url); err != nil {
			m.logger.Warn("discovered member unreachable", "url", url, "error", err)
		}
	}
	return nil
}

// entryURL turns a browse result into a dialable URL, skipping self and
// members already linked.
func (m *Mesh) entryURL(entry *zeroconf.ServiceEntry) (string, bool) {
	path := m.cfg.Path
	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, txtMember):
			id := transport.MemberID(strings.TrimPrefix(txt, txtMember))
			if id == m.self {
				return "", false
			}
			if _, err := m.linkTo(id); err == nil {
				return "", false
			}
		case strings.HasPrefix(txt, "path="):
			path = strings.TrimPrefix(txt, "path=")
		}
	}
	if len(entry.AddrIPv4) == 0 {
		return "", false
	}
	return fmt.Sprintf("ws://%s:%d%s", entry.AddrIPv4[0], entry.Port, path), true
}
