package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/jordimassana/bankfeed/internal/domain"
	"github.com/jordimassana/bankfeed/pkg/logger"
)

const (
	// MaxRetriesPerProxy bounds request attempts on one proxy before it is
	// marked blocked and the next candidate is tried.
	MaxRetriesPerProxy = 3

	// DefaultTimeout is injected whenever the caller does not set one, to
	// avoid hanging on portals that never answer.
	DefaultTimeout = 30 * time.Second
)

// DefaultBadStatusCodes are treated as proxy failures worth rotating on.
// A missing response (connection/timeout error) counts as bad implicitly.
var DefaultBadStatusCodes = []int{500, 502, 503, 504, 403}

// ErrExhausted is returned (wrapped) after every candidate proxy failed.
var ErrExhausted = errors.New("session: all proxies exhausted")

// ErrAmbiguousSuccess signals that a connection-level failure happened after
// the portal already handed over a designated success cookie. The response
// is nil but the session state is usable. Known case: portals that break the
// TLS handshake after setting the auth cookie.
var ErrAmbiguousSuccess = errors.New("session: success via cookies despite connection error")

// Session executes HTTP requests through a rotating proxy pool with retry
// and failure classification. Safe for concurrent use: all mutable proxy
// state is guarded by one mutex.
type Session struct {
	jar *cookiejar.Jar
	log *logger.Logger

	mu             sync.Mutex
	currentProxy   string          // sticky preference, proxy name; "" means none yet
	hasCurrent     bool
	blocked        map[string]bool // by proxy name
	badStatus      map[int]bool
	successCookies []string
	transports     map[string]*http.Transport

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// noProxy is the implicit direct-connection candidate used when the caller
// passes no proxies.
var noProxy = domain.Proxy{Name: "direct"}

func New(log *logger.Logger) *Session {
	jar, _ := cookiejar.New(nil)
	s := &Session{
		jar:        jar,
		log:        log,
		blocked:    make(map[string]bool),
		badStatus:  make(map[int]bool),
		transports: make(map[string]*http.Transport),
		sleep:      time.Sleep,
	}
	for _, code := range DefaultBadStatusCodes {
		s.badStatus[code] = true
	}
	return s
}

// SetBadStatusCodes replaces the status set that triggers proxy rotation.
func (s *Session) SetBadStatusCodes(codes []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badStatus = make(map[int]bool, len(codes))
	for _, code := range codes {
		s.badStatus[code] = true
	}
}

// SetSuccessCookieMarkers declares cookie names whose presence turns a
// connection-level failure into an ambiguous success.
func (s *Session) SetSuccessCookieMarkers(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successCookies = append([]string(nil), names...)
}

// Cookies exposes the accumulated jar for callers recovering from an
// ambiguous success.
func (s *Session) Cookies(u *url.URL) []*http.Cookie {
	return s.jar.Cookies(u)
}

// Options configures one request.
type Options struct {
	Header  http.Header
	Body    []byte // buffered so attempts can replay it
	Timeout time.Duration
}

type Option func(*Options)

func WithHeader(key, value string) Option {
	return func(o *Options) {
		if o.Header == nil {
			o.Header = http.Header{}
		}
		o.Header.Set(key, value)
	}
}

func WithBody(body []byte) Option {
	return func(o *Options) { o.Body = body }
}

func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// Request executes one logical request over the candidate proxies.
// Candidates may be empty (direct connection). The previously successful
// proxy, when present among the shuffled candidates, is tried first to
// minimize churn between consecutive calls.
//
// On full exhaustion the last response/error pair is returned with an error
// wrapping ErrExhausted. A nil response with ErrAmbiguousSuccess means the
// caller should proceed on the session's cookie state.
func (s *Session) Request(ctx context.Context, method, rawURL string, proxies []domain.Proxy, opts ...Option) (*http.Response, error) {
	options := &Options{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(options)
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}

	reqURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("session: parse url: %w", err)
	}

	candidates := s.orderCandidates(proxies)

	var (
		lastResp *http.Response
		lastErr  error
	)

	for _, proxy := range candidates {
		if !s.takeProxy(proxy, len(candidates)) {
			continue
		}

		resp, err := s.attempt(ctx, method, rawURL, reqURL, proxy, options)
		if err != nil && errors.Is(err, ErrAmbiguousSuccess) {
			return nil, err
		}
		if err == nil && resp != nil && !s.isBadStatus(resp.StatusCode) {
			return resp, nil
		}
		if err != nil && !retryableError(err) {
			// Non-transport failure (e.g. caller canceled): not a proxy
			// problem, surface it as is.
			drainAndClose(lastResp)
			return nil, err
		}

		if lastResp != nil {
			drainAndClose(lastResp)
		}
		lastResp, lastErr = resp, err
		s.blockProxy(proxy)
	}

	reason := "no response"
	if lastErr != nil {
		reason = lastErr.Error()
	} else if lastResp != nil {
		reason = fmt.Sprintf("status %d", lastResp.StatusCode)
	}
	s.log.Error(ctx, "Request failed on all proxies",
		"url", rawURL,
		"candidates", len(candidates),
		"reason", reason,
	)
	if lastErr != nil {
		return lastResp, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
	}
	return lastResp, fmt.Errorf("%w: %s", ErrExhausted, reason)
}

// attempt runs up to MaxRetriesPerProxy tries on one proxy with a small
// randomized delay between tries.
func (s *Session) attempt(ctx context.Context, method, rawURL string, reqURL *url.URL, proxy domain.Proxy, options *Options) (*http.Response, error) {
	client := s.clientFor(proxy, options.Timeout)

	var (
		lastResp *http.Response
		lastErr  error
	)
	for i := 0; i < MaxRetriesPerProxy; i++ {
		if i > 0 {
			s.sleep(time.Duration(rand.Int63n(int64(time.Second))))
		}

		var body io.Reader
		if options.Body != nil {
			body = bytes.NewReader(options.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return nil, fmt.Errorf("session: build request: %w", err)
		}
		for key, vals := range options.Header {
			for _, v := range vals {
				req.Header.Add(key, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if lastResp != nil {
				drainAndClose(lastResp)
				lastResp = nil
			}
			if !retryableError(err) {
				return nil, err
			}
			if s.hasSuccessCookie(reqURL) {
				return nil, fmt.Errorf("%w: %w", ErrAmbiguousSuccess, err)
			}
			s.log.Info(ctx, "Failed request",
				"url", rawURL,
				"proxy", proxy.Name,
				"error", err.Error(),
			)
			continue
		}

		if !s.isBadStatus(resp.StatusCode) {
			s.setCurrent(proxy)
			return resp, nil
		}

		lastErr = nil
		if lastResp != nil {
			drainAndClose(lastResp)
		}
		lastResp = resp
		s.log.Info(ctx, "Failed request",
			"url", rawURL,
			"proxy", proxy.Name,
			"status", resp.StatusCode,
		)
	}

	return lastResp, lastErr
}

// orderCandidates copies, shuffles and applies the sticky-proxy preference.
func (s *Session) orderCandidates(proxies []domain.Proxy) []domain.Proxy {
	candidates := make([]domain.Proxy, 0, len(proxies)+1)
	if len(proxies) == 0 {
		candidates = append(candidates, noProxy)
		return candidates
	}
	candidates = append(candidates, proxies...)
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	s.mu.Lock()
	current := s.currentProxy
	hasCurrent := s.hasCurrent
	s.mu.Unlock()

	if hasCurrent {
		for i, p := range candidates {
			if p.Name == current && i > 0 {
				copy(candidates[1:i+1], candidates[:i])
				candidates[0] = p
				break
			}
		}
	}
	return candidates
}

// takeProxy reports whether the proxy may be used. When every candidate is
// already blocked, the whole block set is cleared first so a transient
// outage can never permanently exhaust the pool.
func (s *Session) takeProxy(proxy domain.Proxy, candidateCount int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.blocked[proxy.Name] {
		s.currentProxy = proxy.Name
		s.hasCurrent = true
		return true
	}

	if len(s.blocked) >= candidateCount {
		s.blocked = make(map[string]bool)
		s.currentProxy = proxy.Name
		s.hasCurrent = true
		return true
	}

	return false
}

func (s *Session) blockProxy(proxy domain.Proxy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[proxy.Name] = true
}

// BlockedProxies returns the names of currently blocked proxies, for logs
// and tests.
func (s *Session) BlockedProxies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.blocked))
	for name := range s.blocked {
		names = append(names, name)
	}
	return names
}

func (s *Session) setCurrent(proxy domain.Proxy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentProxy = proxy.Name
	s.hasCurrent = true
}

func (s *Session) isBadStatus(code int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.badStatus[code]
}

func (s *Session) hasSuccessCookie(reqURL *url.URL) bool {
	s.mu.Lock()
	markers := s.successCookies
	s.mu.Unlock()
	if len(markers) == 0 {
		return false
	}
	for _, c := range s.jar.Cookies(reqURL) {
		for _, name := range markers {
			if c.Name == name {
				return true
			}
		}
	}
	return false
}

// clientFor returns a client bound to the proxy's transport. Transports are
// cached per proxy so connection pools survive across calls.
func (s *Session) clientFor(proxy domain.Proxy, timeout time.Duration) *http.Client {
	s.mu.Lock()
	transport, ok := s.transports[proxy.Name]
	if !ok {
		endpoints := proxy.Endpoints
		transport = &http.Transport{
			Proxy: func(req *http.Request) (*url.URL, error) {
				endpoint := endpoints[req.URL.Scheme]
				if endpoint == "" {
					return nil, nil
				}
				return url.Parse(endpoint)
			},
		}
		s.transports[proxy.Name] = transport
	}
	s.mu.Unlock()

	return &http.Client{
		Jar:       s.jar,
		Transport: transport,
		Timeout:   timeout,
	}
}

// retryableError reports whether a request error is a connection/timeout
// kind worth retrying and rotating proxies on.
func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
