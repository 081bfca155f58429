// Package dnsprovider is the authoritative nameserver for tenant
// subdomains, driven entirely by explicit Upsert/Delete calls from the
// edge reconciler rather than by discovering live state on every query.
package dnsprovider

import (
	"context"
	"fmt"
	"sync"

	"github.com/miekg/dns"

	"github.com/opsfleet/opsfleet/pkg/log"
)

const (
	// DefaultListenAddr is the address the authoritative server binds for
	// tenant-subdomain queries.
	DefaultListenAddr = "0.0.0.0:53"

	// DefaultUpstream is the fallback resolver for queries outside the
	// edge domain.
	DefaultUpstream = "8.8.8.8:53"

	recordTTL = 30
)

// Config configures the authoritative DNS server.
type Config struct {
	ListenAddr string
	EdgeDomain string // e.g. "apps.example.com" — queries outside this suffix are forwarded upstream
	Upstream   []string
}

// Provider is the edge reconciler's view of DNS: upsert and delete the two
// records a published tenant host needs.
type Provider interface {
	Upsert(ctx context.Context, subdomain, previewSubdomain, workerAddr string) error
	Delete(ctx context.Context, subdomain, previewSubdomain string) error
}

// Server is the miekg/dns-backed authoritative server implementing Provider.
type Server struct {
	zone       *zone
	edgeDomain string
	upstream   []string
	listenAddr string

	mu        sync.Mutex
	dnsServer *dns.Server
	running   bool
}

// NewServer builds a Server. Defaults are applied for any zero-valued Config fields.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if len(cfg.Upstream) == 0 {
		cfg.Upstream = []string{DefaultUpstream}
	}
	return &Server{
		zone:       newZone(),
		edgeDomain: cfg.EdgeDomain,
		upstream:   cfg.Upstream,
		listenAddr: cfg.ListenAddr,
	}
}

// Upsert publishes <subdomain>.<edgeDomain> and preview-<subdomain>.<edgeDomain>
// pointing at workerAddr's host. Idempotent: calling it again with the same
// arguments simply rewrites the same records.
func (s *Server) Upsert(ctx context.Context, subdomain, previewSubdomain, workerAddr string) error {
	ip := addrToIP(workerAddr)
	if ip == nil {
		return fmt.Errorf("dnsprovider: cannot resolve worker address %q to an IP", workerAddr)
	}

	s.zone.put(s.qualify(subdomain), ip)
	if previewSubdomain == "" {
		previewSubdomain = previewName(subdomain)
	}
	s.zone.put(s.qualify(previewSubdomain), ip)

	log.Info(fmt.Sprintf("dnsprovider: published %s and %s -> %s", subdomain, previewSubdomain, ip))
	return nil
}

// Delete removes both records for subdomain. Deleting a record that does
// not exist is a no-op, matching spec's idempotent-deletion requirement.
func (s *Server) Delete(ctx context.Context, subdomain, previewSubdomain string) error {
	s.zone.delete(s.qualify(subdomain))
	if previewSubdomain == "" {
		previewSubdomain = previewName(subdomain)
	}
	s.zone.delete(s.qualify(previewSubdomain))
	return nil
}

func (s *Server) qualify(name string) string {
	if s.edgeDomain == "" {
		return fqdn(name)
	}
	return fqdn(name + "." + s.edgeDomain)
}

// Start runs the authoritative server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("dnsprovider: server already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	s.dnsServer = &dns.Server{Addr: s.listenAddr, Net: "udp", Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info(fmt.Sprintf("dnsprovider: listening on %s", s.listenAddr))
		if err := s.dnsServer.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop shuts down the authoritative server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if s.dnsServer != nil {
		return s.dnsServer.Shutdown()
	}
	return nil
}

func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			s.forward(w, r)
			return
		}

		ip, ok := s.zone.lookup(q.Name)
		if !ok {
			s.forward(w, r)
			return
		}

		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: recordTTL},
			A:   ip,
		})
	}

	if err := w.WriteMsg(msg); err != nil {
		log.Error(fmt.Sprintf("dnsprovider: write response failed: %s", err))
	}
}

func (s *Server) forward(w dns.ResponseWriter, r *dns.Msg) {
	client := &dns.Client{Net: "udp"}
	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			continue
		}
		if err := w.WriteMsg(resp); err != nil {
			log.Error(fmt.Sprintf("dnsprovider: write forwarded response failed: %s", err))
		}
		return
	}

	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure
	w.WriteMsg(msg)
}
