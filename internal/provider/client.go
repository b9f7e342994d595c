package provider

import (
	logx "backupd/pkg/logx"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/go-goose/goose/v5/cinder"
	"github.com/go-goose/goose/v5/client"
	"github.com/go-goose/goose/v5/identity"
	"golang.org/x/time/rate"
)

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	mu   sync.Mutex
	sess *session
}

// session is one authenticated goose client and the clients derived from it.
type session struct {
	auth     client.AuthenticatingClient
	volumes  *cinder.Client
	endpoint string
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := url.Parse(cfg.AuthURL); err != nil {
		return nil, fmt.Errorf("failed to parse auth url: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: cfg.Insecure,
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = max(int(cfg.RatePerSec), 1)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport, Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}, nil
}

// Ping authenticates if needed and reports the volume endpoint in use.
func (c *Client) Ping(ctx context.Context) (string, error) {
	s, err := c.session(ctx)
	if err != nil {
		return "", err
	}
	return s.endpoint, nil
}

func (c *Client) newAuthClient() client.AuthenticatingClient {
	creds := &identity.Credentials{
		URL:           c.cfg.AuthURL,
		User:          c.cfg.Username,
		Secrets:       c.cfg.Password,
		Region:        c.cfg.Region,
		TenantName:    c.cfg.ProjectName,
		UserDomain:    c.cfg.UserDomainName,
		ProjectDomain: c.cfg.ProjectDomainName,
	}
	glog := gooseLogger{log: c.log}

	var auth client.AuthenticatingClient
	if c.cfg.Insecure {
		auth = client.NewNonValidatingClient(creds, identity.AuthUserPassV3, glog, client.WithInsecureHTTPClient(c.http))
	} else {
		auth = client.NewClient(creds, identity.AuthUserPassV3, glog, client.WithHTTPClient(c.http))
	}
	auth.SetRequiredServiceTypes([]string{c.cfg.ServiceType})
	return auth
}

// session returns the current session, logging in first when there is none.
// Login failures are not retried here; the caller's next attempt logs in again.
func (c *Client) session(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return c.sess, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	auth := c.newAuthClient()
	if err := auth.Authenticate(); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	endpoint, err := auth.MakeServiceURL(c.cfg.ServiceType, "", nil)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("bad %s endpoint %q: %w", c.cfg.ServiceType, endpoint, err)
	}

	c.sess = &session{
		auth:     auth,
		volumes:  cinder.NewClient(auth.TenantId(), base, cinder.SetAuthHeaderFn(auth.Token, c.http.Do)),
		endpoint: strings.TrimRight(endpoint, "/"),
	}
	c.log.Debug("keystone session opened", logx.String("endpoint", c.sess.endpoint), logx.String("region", c.cfg.Region))
	return c.sess, nil
}

// drop forgets s so the next call logs in again.
func (c *Client) drop(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
}

// call runs fn against a session. A 401 drops the session and fn runs once
// more on a fresh one. Idempotent calls are retried with backoff.
func (c *Client) call(ctx context.Context, method, path string, idempotent bool, fn func(s *session) error) error {
	attempt := func() error {
		s, err := c.session(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err = fn(s)
		if isUnauthorized(err) {
			c.log.Debug("token rejected, re-authenticating", logx.String("path", path))
			c.drop(s)
			if s, err = c.session(ctx); err != nil {
				return backoff.Permanent(err)
			}
			err = fn(s)
		}
		return classify(wrapHTTP(method, path, err))
	}

	if idempotent {
		return c.retry(ctx, attempt)
	}
	return unwrapPermanent(attempt())
}

// retry runs op with exponential backoff bounded by RetryMaxTime.
func (c *Client) retry(ctx context.Context, op func() error) error {
	if c.cfg.RetryMaxTime <= 0 {
		return unwrapPermanent(op())
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = c.cfg.RetryMaxTime

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil && attempt > 1 {
			c.log.Debug("provider call retry failed", logx.Int("attempt", attempt), logx.Err(err))
		}
		return err
	}, backoff.WithContext(b, ctx))
	return unwrapPermanent(err)
}

// classify marks errors that retrying cannot fix.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) && !pe.Retryable() {
		return backoff.Permanent(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// gooseLogger routes goose's request logging into logx.
type gooseLogger struct {
	log logx.Logger
}

func (g gooseLogger) Printf(format string, v ...any) { g.Debugf(format, v...) }

func (g gooseLogger) Debugf(format string, v ...any) {
	// the auth details dump includes the token
	if strings.HasPrefix(format, "auth details") {
		return
	}
	g.log.Debug("goose: " + fmt.Sprintf(format, v...))
}

func (g gooseLogger) Warningf(format string, v ...any) {
	g.log.Warn("goose: " + fmt.Sprintf(format, v...))
}

func (g gooseLogger) Tracef(string, ...any) {}
