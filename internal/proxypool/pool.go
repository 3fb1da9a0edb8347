// Package proxypool hands out proxy endpoints round-robin and keeps a
// durable blacklist of addresses the site has blocked. Workers acquire an
// endpoint per crawl, release it when done, and mark it blocked on 403 or
// 407 so no other worker burns time on a dead identity.
package proxypool

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Stepan2222000/avito-library/internal/browser"
)

// Endpoint is one proxy address plus optional credentials.
type Endpoint struct {
	Address    string
	Username   string
	Password   string
	Blocked    bool
	Failures   int
	LastUsedAt time.Time
}

// Configure applies the endpoint to browser launch options.
func (e Endpoint) Configure(opts *browser.Options) {
	opts.ProxyServer = e.Address
	opts.ProxyUsername = e.Username
	opts.ProxyPassword = e.Password
}

type Pool struct {
	proxiesFile string
	blockedFile string
	logger      *slog.Logger

	mu          sync.Mutex
	endpoints   []*Endpoint
	byAddress   map[string]*Endpoint
	blocked     map[string]bool
	inUse       map[string]bool
	cursor      int
	lastAddress string
}

// New loads the proxy list and the blacklist from disk. A missing blacklist
// file is fine; a missing proxy file yields an empty pool.
func New(proxiesFile, blockedFile string) (*Pool, error) {
	p := &Pool{
		proxiesFile: proxiesFile,
		blockedFile: blockedFile,
		logger:      slog.Default().With("component", "proxypool"),
		byAddress:   map[string]*Endpoint{},
		blocked:     map[string]bool{},
		inUse:       map[string]bool{},
	}
	if _, err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads both files, keeping in-use bookkeeping for addresses that
// survived the reload and resuming rotation after the last handed-out
// address.
func (p *Pool) Reload() (int, error) {
	endpoints, err := p.readProxies()
	if err != nil {
		return 0, err
	}
	blocked, err := p.readBlocked()
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	previousLast := p.lastAddress
	p.endpoints = endpoints
	p.byAddress = make(map[string]*Endpoint, len(endpoints))
	for _, ep := range endpoints {
		ep.Blocked = blocked[ep.Address]
		p.byAddress[ep.Address] = ep
	}
	p.blocked = blocked

	for address := range p.inUse {
		if _, ok := p.byAddress[address]; !ok {
			delete(p.inUse, address)
		}
	}

	p.cursor = 0
	if previousLast != "" {
		for i, ep := range endpoints {
			if ep.Address == previousLast {
				p.cursor = (i + 1) % len(endpoints)
				break
			}
		}
	}
	return len(endpoints), nil
}

// Acquire hands out the next free unblocked endpoint. The second return is
// false when every endpoint is blocked or busy.
func (p *Pool) Acquire() (Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := len(p.endpoints)
	for i := 0; i < total; i++ {
		ep := p.endpoints[p.cursor]
		p.cursor = (p.cursor + 1) % total

		if p.blocked[ep.Address] || p.inUse[ep.Address] {
			continue
		}

		p.inUse[ep.Address] = true
		ep.LastUsedAt = time.Now().UTC()
		p.lastAddress = ep.Address
		return *ep, true
	}
	return Endpoint{}, false
}

// Release returns an endpoint to rotation after a successful run.
func (p *Pool) Release(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, address)
}

// MarkBlocked blacklists an endpoint and appends the event to the blocked
// file so the blacklist survives restarts.
func (p *Pool) MarkBlocked(address, reason string) error {
	p.mu.Lock()
	firstTime := !p.blocked[address]
	p.blocked[address] = true
	if ep, ok := p.byAddress[address]; ok {
		ep.Blocked = true
		ep.Failures++
	}
	delete(p.inUse, address)
	p.mu.Unlock()

	if !firstTime {
		return nil
	}

	p.logger.Warn("proxy blocked", "proxy", address, "reason", reason)
	record := fmt.Sprintf("%s\t%s\t%s\n", time.Now().UTC().Format(time.RFC3339), address, reason)
	if err := appendFile(p.blockedFile, record); err != nil {
		return fmt.Errorf("failed to record blocked proxy: %w", err)
	}
	return nil
}

// AllBlocked reports whether no endpoint is currently acquirable.
func (p *Pool) AllBlocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if !p.blocked[ep.Address] && !p.inUse[ep.Address] {
			return false
		}
	}
	return true
}

// Endpoints returns a snapshot of every configured endpoint.
func (p *Pool) Endpoints() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, *ep)
	}
	return out
}

func (p *Pool) readProxies() ([]*Endpoint, error) {
	lines, err := readLines(p.proxiesFile)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var endpoints []*Endpoint
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ep := parseEndpoint(line)
		if seen[ep.Address] {
			continue
		}
		seen[ep.Address] = true
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// readBlocked parses the append-only blacklist of tab-separated records.
func (p *Pool) readBlocked() (map[string]bool, error) {
	lines, err := readLines(p.blockedFile)
	if err != nil {
		return nil, err
	}

	blocked := map[string]bool{}
	for _, raw := range lines {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		parts := strings.Split(raw, "\t")
		if len(parts) >= 2 {
			blocked[strings.TrimSpace(parts[1])] = true
		}
	}
	return blocked, nil
}

// parseEndpoint accepts "user:pass@host:port", "host:port:user:pass" and
// plain "host:port".
func parseEndpoint(entry string) *Endpoint {
	if at := strings.Index(entry, "@"); at >= 0 {
		auth, address := entry[:at], entry[at+1:]
		username, password, _ := strings.Cut(auth, ":")
		return &Endpoint{Address: address, Username: username, Password: password}
	}

	parts := strings.Split(entry, ":")
	if len(parts) >= 3 {
		ep := &Endpoint{
			Address:  parts[0] + ":" + parts[1],
			Username: parts[2],
		}
		if len(parts) > 3 {
			ep.Password = strings.Join(parts[3:], ":")
		}
		return ep
	}
	return &Endpoint{Address: entry}
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.Split(string(data), "\n"), nil
}

func appendFile(path, record string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(record)
	return err
}
