package xnat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenk/backoff"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/neurodata/synq/pkg/xerrors"
	"github.com/rs/dnscache"
	circuit "github.com/rubyist/circuitbreaker"
)

const sessionEndpoint = "/data/JSESSION"

// tokenRefreshLeeway is how long before token expiry a session re-authenticates.
const tokenRefreshLeeway = 30 * time.Second

// Client is the HTTP implementation of API.
//
// Requests share one connection pool with cached DNS lookups, and pass
// through a circuit breaker so that a down server fails fast instead of
// stalling every discovery pass. Idempotent metadata reads are retried with
// exponential backoff.
type Client struct {
	server     string
	user       string
	password   string
	httpclient *http.Client
	breaker    *circuit.Breaker
	logger     *log.Logger
}

var _ API = &Client{}

type ClientOption func(*Client)

func WithCredentials(user string, password string) ClientOption {
	return func(c *Client) {
		c.user = user
		c.password = password
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpclient = hc
	}
}

func WithClientLogger(l *log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a Client for the server at the given base URL.
func NewClient(server string, options ...ClientOption) *Client {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	c := &Client{
		server:     strings.TrimSuffix(server, "/"),
		httpclient: newPooledHTTPClient(),
		breaker: circuit.NewBreakerWithOptions(&circuit.Options{
			BackOff:    expBackoff,
			ShouldTrip: circuit.ThresholdTripFunc(5),
		}),
		logger: log.New(io.Discard, "", log.LstdFlags),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// newPooledHTTPClient builds an HTTP client whose dialer resolves hosts
// through a periodically refreshed DNS cache.
func newPooledHTTPClient() *http.Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
				}
				return nil, fmt.Errorf("no resolved address of %s is reachable", host)
			},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Connect authenticates against the session endpoint and returns a Session
// holding the issued token. When the token is a JWT, its expiry is tracked
// and the session re-authenticates shortly before it lapses.
func (c *Client) Connect(ctx context.Context) (Session, error) {
	token, err := c.login(ctx)
	if err != nil {
		return nil, err
	}
	return &httpSession{
		c:      c,
		token:  token,
		expiry: tokenExpiry(token),
	}, nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.server+sessionEndpoint, nil,
	)
	if err != nil {
		return "", xerrors.Wrap(err)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	var token string
	err = c.guarded(func() error {
		resp, err := c.httpclient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("login rejected: %s", resp.Status)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		token = strings.TrimSpace(string(body))
		return nil
	})
	if err != nil {
		return "", xerrors.WrapWithNote(fmt.Sprintf("connecting to %s", c.server), err)
	}
	if token == "" {
		return "", xerrors.New("login returned an empty session token")
	}
	return token, nil
}

// guarded routes a call through the circuit breaker.
func (c *Client) guarded(f func() error) error {
	if !c.breaker.Ready() {
		return fmt.Errorf("%w: circuit open for %s", ErrUnavailable, c.server)
	}
	return c.breaker.Call(f, 0)
}

// tokenExpiry extracts the expiry of a JWT session token. Opaque tokens have
// no known expiry and are never refreshed proactively.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

type httpSession struct {
	c *Client

	mu     sync.Mutex
	token  string
	expiry time.Time
	closed bool
}

var _ Session = &httpSession{}

// freshToken re-authenticates when the current token is about to expire.
func (s *httpSession) freshToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", xerrors.New("session already closed")
	}
	if s.expiry.IsZero() || time.Until(s.expiry) > tokenRefreshLeeway {
		return s.token, nil
	}

	s.c.logger.Printf("session token of %s is about to expire; re-authenticating", s.c.server)
	token, err := s.c.login(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expiry = tokenExpiry(token)
	return s.token, nil
}

func (s *httpSession) newRequest(
	ctx context.Context, method string, path string, body io.Reader,
) (*http.Request, error) {
	token, err := s.freshToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, s.c.server+path, body)
	if err != nil {
		return nil, xerrors.Wrap(err)
	}
	req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: token})
	return req, nil
}

// GetJSON fetches path and decodes the response body into `into`, retrying
// transient failures with exponential backoff. 404 maps onto ErrNotFound and
// other 4xx responses abort immediately.
func (s *httpSession) GetJSON(ctx context.Context, path string, into any) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute

	op := func() error {
		req, err := s.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		return s.c.guarded(func() error {
			resp, err := s.c.httpclient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK:
				// pass
			case resp.StatusCode == http.StatusNotFound:
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, path))
			case 400 <= resp.StatusCode && resp.StatusCode < 500:
				return backoff.Permanent(fmt.Errorf("GET %s: %s", path, resp.Status))
			default:
				return fmt.Errorf("GET %s: %s", path, resp.Status)
			}
			if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
				return backoff.Permanent(
					xerrors.WrapWithNote(fmt.Sprintf("malformed response of %s", path), err),
				)
			}
			return nil
		})
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// Download streams the zip bundle of the files under uri into dest.
// Streaming is not retried; the coordinator's staging protocol handles an
// interrupted transfer.
func (s *httpSession) Download(ctx context.Context, uri string, dest io.Writer) error {
	req, err := s.newRequest(ctx, http.MethodGet, uri+"?format=zip", nil)
	if err != nil {
		return err
	}
	return s.c.guarded(func() error {
		resp, err := s.c.httpclient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET %s: %s", uri, resp.Status)
		}
		_, err = io.Copy(dest, resp.Body)
		return err
	})
}

func (s *httpSession) Upload(ctx context.Context, uri string, name string, src io.Reader) error {
	req, err := s.newRequest(
		ctx, http.MethodPut, uri+"/files/"+url.PathEscape(name)+"?inbody=true", src,
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return s.c.guarded(func() error {
		resp, err := s.c.httpclient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("PUT %s/files/%s: %s", uri, name, resp.Status)
		}
		return nil
	})
}

func (s *httpSession) PutField(ctx context.Context, sessionURI string, name string, value string) error {
	req, err := s.newRequest(
		ctx, http.MethodPut,
		sessionURI+"/fields/"+url.PathEscape(name),
		strings.NewReader(value),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	return s.c.guarded(func() error {
		resp, err := s.c.httpclient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("PUT field %s on %s: %s", name, sessionURI, resp.Status)
		}
		return nil
	})
}

// Close invalidates the session token remotely. Best-effort: an unreachable
// server only means the token expires on its own.
func (s *httpSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	token := s.token
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(
		ctx, http.MethodDelete, s.c.server+sessionEndpoint, nil,
	)
	if err != nil {
		return xerrors.Wrap(err)
	}
	req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: token})
	resp, err := s.c.httpclient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
