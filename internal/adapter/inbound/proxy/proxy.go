// Package proxy is the egress chokepoint: an HTTP/1.1 forward proxy the
// sandbox reaches via HTTP_PROXY/HTTPS_PROXY. HTTPS travels through CONNECT
// tunnels, so the proxy sees the target domain but never the payload; plain
// HTTP is forwarded request-by-request and its URL and body run through the
// secret scanner. TLS interception is deliberately out of scope.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crabpot/crabpot/internal/domain/alert"
	"github.com/crabpot/crabpot/internal/domain/egress"
	"github.com/crabpot/crabpot/internal/domain/gate"
)

const (
	tunnelIdleTimeout = 60 * time.Second
	dialTimeout       = 10 * time.Second
	upstreamTimeout   = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Hop-by-hop and proxy-control headers never forwarded upstream.
var strippedRequestHeaders = map[string]struct{}{
	"Proxy-Connection":    {},
	"Proxy-Authorization": {},
	"Host":                {},
}

// Config wires the proxy's collaborators.
type Config struct {
	Policy      *egress.Engine
	Gate        *gate.Gate // nil disables human review; pending becomes deny
	Alerts      *alert.Bus
	Metrics     *Metrics
	ScanSecrets bool
	Host        string
	Port        int
	Logger      *slog.Logger
}

// Proxy runs the egress proxy server.
type Proxy struct {
	cfg      Config
	upstream *http.Client

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
}

// New builds a Proxy. Start must be called before it serves traffic.
func New(cfg Config) *Proxy {
	return &Proxy{
		cfg: cfg,
		upstream: &http.Client{
			Timeout: upstreamTimeout,
			// The sandbox talks to us; we talk straight to the origin.
			Transport: &http.Transport{Proxy: nil},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Start binds the listener and serves in a background goroutine.
func (p *Proxy) Start() error {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{Handler: p}
	p.mu.Lock()
	p.server = srv
	p.ln = ln
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.cfg.Logger.Error("egress proxy server failed", "error", err)
		}
	}()
	p.cfg.Logger.Info("egress proxy listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, useful when Port was 0.
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return ""
	}
	return p.ln.Addr().String()
}

// Stop shuts the server down gracefully, then forcefully. Hijacked CONNECT
// tunnels are not tracked by the HTTP server; Close abandons them.
func (p *Proxy) Stop() {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.ln = nil
	p.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		p.cfg.Logger.Debug("proxy shutdown incomplete, closing", "error", err)
	}
	_ = srv.Close()
}

// ServeHTTP dispatches CONNECT to the tunnel path and everything else to
// plain-HTTP forwarding.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

// enforce evaluates a target against the policy, routing unknown domains
// through the approval gate. Every attempt lands in the audit trail; gated
// requests get a second entry with the post-review outcome.
func (p *Proxy) enforce(host string, port int, method string) egress.Decision {
	decision := p.cfg.Policy.CheckDomain(host)
	p.cfg.Policy.LogAttempt(host, port, method, string(decision))

	if decision == egress.DecisionPending && p.cfg.Gate != nil {
		final := egress.DecisionDeny
		if p.cfg.Gate.RequestApproval(host, port) {
			final = egress.DecisionAllow
		}
		p.cfg.Policy.LogAttempt(host, port, method, string(final)+"_after_review")
		return final
	}
	if decision == egress.DecisionPending {
		return egress.DecisionDeny
	}
	return decision
}

func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port := splitHostPort(r.Host, 443)
	if host == "" {
		http.Error(w, "Bad CONNECT target", http.StatusBadRequest)
		return
	}

	decision := p.enforce(host, port, http.MethodConnect)
	p.cfg.Metrics.RequestsTotal.WithLabelValues(http.MethodConnect, string(decision)).Inc()
	if decision != egress.DecisionAllow {
		http.Error(w, "Blocked by CrabPot egress policy: "+host, http.StatusForbidden)
		return
	}

	targetConn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), dialTimeout)
	if err != nil {
		p.cfg.Logger.Debug("CONNECT upstream dial failed", "host", host, "port", port, "error", err)
		http.Error(w, fmt.Sprintf("Cannot reach %s:%d", host, port), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		p.cfg.Logger.Error("response writer does not support hijack")
		targetConn.Close()
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.cfg.Logger.Error("hijack failed", "error", err)
		targetConn.Close()
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		targetConn.Close()
		return
	}

	p.cfg.Metrics.ActiveTunnels.Inc()
	defer p.cfg.Metrics.ActiveTunnels.Dec()
	p.tunnel(clientConn, targetConn)
}

// tunnel splices bytes both ways until one side closes or the link idles
// out. Each read refreshes a 60s deadline, so an abandoned tunnel cannot
// pin resources forever.
func (p *Proxy) tunnel(clientConn, targetConn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	splice := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, idleConn{src})
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}
	go splice(targetConn, clientConn)
	go splice(clientConn, targetConn)

	wg.Wait()
	clientConn.Close()
	targetConn.Close()
}

// idleConn enforces the tunnel idle timeout by arming a read deadline before
// every read.
type idleConn struct {
	net.Conn
}

func (c idleConn) Read(b []byte) (int, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(tunnelIdleTimeout))
	return c.Conn.Read(b)
}

func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		http.Error(w, "Absolute URL required for proxy requests", http.StatusBadRequest)
		return
	}
	host := r.URL.Hostname()
	port := 80
	if ps := r.URL.Port(); ps != "" {
		if n, err := strconv.Atoi(ps); err == nil {
			port = n
		}
	}

	decision := p.enforce(host, port, r.Method)
	p.cfg.Metrics.RequestsTotal.WithLabelValues(r.Method, string(decision)).Inc()
	if decision != egress.DecisionAllow {
		http.Error(w, "Blocked by CrabPot egress policy: "+host, http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if p.cfg.ScanSecrets {
		scanContent := r.URL.String() + " " + strings.ToValidUTF8(string(body), "�")
		if findings := egress.ScanForSecrets(scanContent); len(findings) > 0 {
			p.cfg.Policy.LogAttempt(host, port, r.Method, "blocked_secrets")
			p.cfg.Metrics.SecretBlocks.Inc()
			p.cfg.Logger.Warn("secret pattern detected in HTTP request", "host", host, "findings", len(findings))
			p.cfg.Alerts.Fire(alert.SeverityCritical, "egress",
				"Blocked: secret pattern detected in request to "+host)
			http.Error(w, "Request blocked: potential secret exfiltration detected", http.StatusForbidden)
			return
		}
	}

	p.forward(w, r, body)
}

// forward replays the request upstream and streams the response back,
// dropping proxy-control request headers and the Transfer-Encoding response
// header (Go re-chunks as needed).
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, body []byte) {
	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = strings.NewReader(string(body))
	}
	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), reqBody)
	if err != nil {
		http.Error(w, "Cannot parse URL", http.StatusBadRequest)
		return
	}
	for key, values := range r.Header {
		if _, strip := strippedRequestHeaders[http.CanonicalHeaderKey(key)]; strip {
			continue
		}
		for _, v := range values {
			upReq.Header.Add(key, v)
		}
	}

	resp, err := p.upstream.Do(upReq)
	if err != nil {
		http.Error(w, "Upstream error: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if strings.EqualFold(key, "Transfer-Encoding") {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.cfg.Logger.Debug("response relay interrupted", "host", r.URL.Hostname(), "error", err)
	}
}

// splitHostPort parses "host:port", tolerating a bare host.
func splitHostPort(hostPort string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return host, defaultPort
	}
	return host, port
}
