// Package loadbalancer implements the data plane: a raw TCP listener
// that accepts client connections, matches each request's path against a
// configured rule set, rewrites the URL, forwards it to a round-robin
// selected healthy upstream target, and relays the response back to the
// client.
package loadbalancer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgelb/edgelb/cache"
	"github.com/edgelb/edgelb/connpool"
	"github.com/edgelb/edgelb/metrics"
	"github.com/edgelb/edgelb/rule"
	"github.com/edgelb/edgelb/selector"
)

// ruleHandler is the per-rule forwarding state: the target group's live
// pool list, a dedicated round-robin selector, and the rewrite prefix.
type ruleHandler struct {
	rule      rule.Rule
	pools     *connpool.GroupPools
	selector  selector.RoundRobin
	connTimeout time.Duration
}

// LoadBalancer is the data plane. It is safe for concurrent use by many
// goroutines, one per accepted connection.
type LoadBalancer struct {
	matcher  *rule.Matcher
	handlers map[string]*ruleHandler // keyed by rule.Prefix
	cache    *cache.Cache
	log      zerolog.Logger
	met      *metrics.Metrics
}

// New builds a LoadBalancer. pools must have one GroupPools per target
// group referenced by rules. c may be nil to disable response caching.
func New(rules []rule.Rule, pools *connpool.TargetGroupsConnectionPools, connTimeout time.Duration, c *cache.Cache, log zerolog.Logger, met *metrics.Metrics) (*LoadBalancer, error) {
	handlers := make(map[string]*ruleHandler, len(rules))
	for _, r := range rules {
		gp := pools.GetPoolForGroup(r.TargetGroup)
		if gp == nil {
			return nil, fmt.Errorf("loadbalancer: rule %q references unknown target group %q", r.Name, r.TargetGroup)
		}
		handlers[r.Prefix] = &ruleHandler{rule: r, pools: gp, connTimeout: connTimeout}
	}

	return &LoadBalancer{
		matcher:  rule.NewMatcher(rules),
		handlers: handlers,
		cache:    c,
		log:      log.With().Str("component", "loadbalancer").Logger(),
		met:      met,
	}, nil
}

// Serve accepts connections on ln until ctx is done.
func (lb *LoadBalancer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go lb.serveConn(conn)
	}
}

func (lb *LoadBalancer) serveConn(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}

		resp := lb.handle(req)
		if err := resp.Write(conn); err != nil {
			return
		}
		if resp.Close {
			return
		}
	}
}

// response is a fully-buffered HTTP response ready to be written to a
// client connection.
type response struct {
	Status int
	Header http.Header
	Body   []byte
	Close  bool
}

func (r *response) Write(w io.Writer) error {
	resp := &http.Response{
		StatusCode:    r.Status,
		Status:        http.StatusText(r.Status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Close:         r.Close,
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	return resp.Write(w)
}

func emptyResponse(status int) *response {
	return &response{Status: status, Header: http.Header{}}
}

// handle implements the cache/match/select/rewrite/forward/relay
// sequence for one inbound request.
func (lb *LoadBalancer) handle(req *http.Request) *response {
	start := time.Now()
	key := req.URL.RequestURI()

	if lb.cache != nil {
		if e, ok := lb.cache.Get(key); ok {
			if lb.met != nil {
				lb.met.CacheHitsTotal.Inc()
			}
			return &response{Status: e.Status, Header: e.Header.Clone(), Body: e.Body}
		}
		if lb.met != nil {
			lb.met.CacheMissesTotal.Inc()
		}
	}

	matched, ok := lb.matcher.Match(req.URL.Path)
	if !ok {
		lb.recordRequest("unmatched", http.StatusNotFound, time.Since(start))
		return emptyResponse(http.StatusNotFound)
	}

	h := lb.handlers[matched.Prefix]
	resp := lb.forward(req, h)

	if lb.cache != nil && resp.Status < 400 {
		lb.cache.Set(key, resp.Status, resp.Header, resp.Body)
	}

	lb.recordRequest(matched.Name, resp.Status, time.Since(start))
	return resp
}

func (lb *LoadBalancer) recordRequest(ruleName string, status int, dur time.Duration) {
	if lb.met == nil {
		return
	}
	lb.met.RequestDuration.WithLabelValues(ruleName).Observe(dur.Seconds())
	lb.met.RequestsTotal.WithLabelValues(ruleName, fmt.Sprintf("%d", status)).Inc()
}

// forward selects a healthy target, rewrites the request, and forwards
// it, applying the listener rule's connection timeout.
func (lb *LoadBalancer) forward(req *http.Request, h *ruleHandler) *response {
	snapshot := h.pools.Snapshot()
	if len(snapshot) == 0 {
		return emptyResponse(http.StatusServiceUnavailable)
	}

	idx := h.selector.Next(len(snapshot))
	pool := snapshot[idx]

	rewritten, ok := rule.Rewrite(h.rule, pool.URI(), req.URL)
	if !ok {
		return emptyResponse(http.StatusNotFound)
	}

	outURL, err := req.URL.Parse(rewritten)
	if err != nil {
		return emptyResponse(http.StatusInternalServerError)
	}

	outReq, err := http.NewRequest(req.Method, outURL.String(), req.Body)
	if err != nil {
		return emptyResponse(http.StatusInternalServerError)
	}
	outReq.ContentLength = req.ContentLength
	outReq.TransferEncoding = req.TransferEncoding
	outReq.Header = req.Header.Clone()
	outReq.Host = req.Host

	ctx, cancel := context.WithTimeout(context.Background(), h.connTimeout)
	defer cancel()

	type result struct {
		resp       *http.Response
		err        error
		acquireErr bool
	}
	resultCh := make(chan result, 1)

	// Acquire and Release both happen inside this goroutine so the
	// connection is only returned to the pool once this goroutine is
	// actually done with it. If the ctx.Done() branch below fires first,
	// the connection stays checked out, unreachable by any other
	// request, until Do() returns or times out on its own.
	go func() {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			resultCh <- result{err: err, acquireErr: true}
			return
		}
		defer pool.Release(conn)

		resp, err := conn.Do(outReq)
		resultCh <- result{resp: resp, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			if r.acquireErr {
				lb.log.Error().Err(r.err).Str("addr", pool.Addr()).Msg("failed to acquire pooled connection")
				return emptyResponse(http.StatusInternalServerError)
			}
			lb.log.Error().Err(r.err).Str("addr", pool.Addr()).Msg("upstream forward failed")
			return emptyResponse(http.StatusBadGateway)
		}
		defer r.resp.Body.Close()
		respBody, _ := io.ReadAll(r.resp.Body)
		return &response{Status: r.resp.StatusCode, Header: r.resp.Header.Clone(), Body: respBody}
	case <-ctx.Done():
		return emptyResponse(http.StatusGatewayTimeout)
	}
}
