package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrHubRejected is returned when a hub answers with a 4xx status. Retrying
// will not help.
var ErrHubRejected = errors.New("hub rejected subscription")

// Kind identifies the protocol flavor a hub speaks.
type Kind int

const (
	KindNone Kind = iota
	KindWebSub
	KindSuperfeedr
)

func (k Kind) String() string {
	switch k {
	case KindWebSub:
		return "websub"
	case KindSuperfeedr:
		return "superfeedr"
	default:
		return "none"
	}
}

// KindOf picks the subscriber for a hub URL.
func KindOf(hubURL string) Kind {
	if strings.TrimSpace(hubURL) == "" {
		return KindNone
	}
	u, err := url.Parse(hubURL)
	if err != nil || u.Host == "" {
		return KindNone
	}
	host := strings.ToLower(u.Hostname())
	if host == "superfeedr.com" || strings.HasSuffix(host, ".superfeedr.com") {
		return KindSuperfeedr
	}
	return KindWebSub
}

// Request is one subscribe call to a hub.
type Request struct {
	Hub      string
	Topic    string
	Callback string
	Secret   string
	Lease    time.Duration
}

type Subscriber interface {
	Subscribe(ctx context.Context, req Request) error
}

// retries after the first attempt, for 5xx and network failures.
const maxRetries = 2

var retryInterval = 500 * time.Millisecond

// WebSub talks to a plain WebSub (PubSubHubbub) hub.
type WebSub struct {
	client *http.Client
}

func NewWebSub(client *http.Client) *WebSub {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebSub{client: client}
}

func (w *WebSub) Subscribe(ctx context.Context, req Request) error {
	return post(ctx, w.client, req, nil)
}

// Superfeedr is a WebSub hub that requires HTTP basic auth.
type Superfeedr struct {
	client *http.Client
	user   string
	token  string
}

func NewSuperfeedr(client *http.Client, user, token string) *Superfeedr {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Superfeedr{client: client, user: user, token: token}
}

func (s *Superfeedr) Subscribe(ctx context.Context, req Request) error {
	return post(ctx, s.client, req, func(r *http.Request) {
		r.SetBasicAuth(s.user, s.token)
	})
}

func post(ctx context.Context, client *http.Client, req Request, decorate func(*http.Request)) error {
	form := url.Values{}
	form.Set("hub.mode", "subscribe")
	form.Set("hub.topic", req.Topic)
	form.Set("hub.callback", req.Callback)
	form.Set("hub.verify", "async")
	if req.Secret != "" {
		form.Set("hub.secret", req.Secret)
	}
	if req.Lease > 0 {
		form.Set("hub.lease_seconds", strconv.Itoa(int(req.Lease.Seconds())))
	}
	body := form.Encode()

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Hub, strings.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create hub request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if decorate != nil {
			decorate(httpReq)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("failed to reach hub %s: %w", req.Hub, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("%w: %s answered %d", ErrHubRejected, req.Hub, resp.StatusCode))
		default:
			return fmt.Errorf("hub %s answered %d", req.Hub, resp.StatusCode)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInterval
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx))
}
