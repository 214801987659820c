package fetcher

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

	"github.com/Songmu/go-httpdate"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTimeout = 10 * time.Second
	maxRedirects   = 5
	maxBodySize    = 10 << 20

	acceptHeader = "application/atom+xml, application/rss+xml, application/rdf+xml;q=0.9, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5"
)

// RedirectKind records how the requested URL was redirected.
type RedirectKind int

const (
	RedirectNone RedirectKind = iota
	RedirectTemporary
	RedirectPermanent
)

type Request struct {
	URL         string
	ETag        string
	Modified    string
	Subscribers int
}

// Response is the normalized result of a fetch. Transport failures are
// reported through Kind and Err and never returned as a Go error.
type Response struct {
	Status   int
	Body     []byte
	Header   http.Header
	FinalURL string

	// PermanentURL is the last location reached through permanent
	// redirects only. It equals the requested URL when there were none.
	PermanentURL string
	Redirect     RedirectKind

	ETag       string
	Modified   string
	RetryAfter time.Duration

	Kind ErrorKind
	Err  error
}

// NotModified reports a successful conditional request.
func (r *Response) NotModified() bool {
	return r.Kind == KindNone && r.Status == http.StatusNotModified
}

type Config struct {
	Timeout   time.Duration
	UserAgent string
	SiteURL   string
	HostRate  float64
	HostBurst int
}

type Fetcher struct {
	client    *http.Client
	limits    *HostLimiter
	userAgent string
	siteURL   string
}

func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limits:    NewHostLimiter(cfg.HostRate, cfg.HostBurst),
		userAgent: cfg.UserAgent,
		siteURL:   cfg.SiteURL,
	}
}

// UserAgent builds the User-Agent header advertised to origins.
func (f *Fetcher) UserAgent(subscribers int) string {
	noun := "subscribers"
	if subscribers == 1 {
		noun = "subscriber"
	}
	if f.siteURL == "" {
		return fmt.Sprintf("%s (%d %s)", f.userAgent, subscribers, noun)
	}
	return fmt.Sprintf("%s (+%s; %d %s)", f.userAgent, f.siteURL, subscribers, noun)
}

// Fetch issues a conditional GET, following redirects by hand so that
// temporary and permanent moves can be told apart.
func (f *Fetcher) Fetch(ctx context.Context, req Request) *Response {
	resp := &Response{FinalURL: req.URL, PermanentURL: req.URL}
	permanentChain := true
	target := req.URL

	for hop := 0; ; hop++ {
		if hop > maxRedirects {
			return resp.fail(KindMalformed, errors.New("too many redirects"))
		}

		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return resp.fail(KindMalformed, fmt.Errorf("invalid url %q", target))
		}
		if err := f.limits.Wait(ctx, u.Host); err != nil {
			return resp.fail(classify(err), err)
		}

		httpResp, err := f.do(ctx, target, req)
		if err != nil {
			return resp.fail(classify(err), err)
		}

		if isRedirect(httpResp.StatusCode) {
			location := httpResp.Header.Get("Location")
			drain(httpResp)
			if location == "" {
				return resp.fail(KindMalformed, errors.New("redirect missing Location"))
			}
			next, err := u.Parse(location)
			if err != nil {
				return resp.fail(KindMalformed, fmt.Errorf("bad redirect location %q: %w", location, err))
			}
			target = next.String()
			resp.FinalURL = target

			if permanentChain && isPermanent(httpResp.StatusCode) {
				resp.PermanentURL = target
				resp.Redirect = RedirectPermanent
			} else {
				permanentChain = false
				if resp.Redirect == RedirectNone {
					resp.Redirect = RedirectTemporary
				}
			}
			continue
		}

		f.readResponse(resp, httpResp)
		return resp
	}
}

func (f *Fetcher) do(ctx context.Context, target string, req Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("User-Agent", f.UserAgent(req.Subscribers))
	httpReq.Header.Set("Accept", acceptHeader)
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.Modified != "" {
		httpReq.Header.Set("If-Modified-Since", req.Modified)
	}
	return f.client.Do(httpReq)
}

func (f *Fetcher) readResponse(resp *Response, httpResp *http.Response) {
	defer httpResp.Body.Close()

	resp.Status = httpResp.StatusCode
	resp.Header = httpResp.Header
	resp.ETag = httpResp.Header.Get("ETag")
	resp.Modified = normalizeDate(httpResp.Header.Get("Last-Modified"))
	resp.RetryAfter = parseRetryAfter(httpResp.Header.Get("Retry-After"), time.Now())

	switch resp.Status {
	case http.StatusOK:
	case http.StatusNotModified:
		return
	default:
		resp.Kind = KindStatus
		resp.Err = fmt.Errorf("unexpected status %d", resp.Status)
		return
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize+1))
	if err != nil {
		resp.Kind = classify(err)
		resp.Err = fmt.Errorf("failed to read body: %w", err)
		return
	}
	if len(body) > maxBodySize {
		resp.Kind = KindMalformed
		resp.Err = errors.New("response too large")
		return
	}
	resp.Body = body
}

func (r *Response) fail(kind ErrorKind, err error) *Response {
	r.Kind = kind
	r.Err = err
	log.WithFields(log.Fields{"url": r.FinalURL, "kind": kind.String()}).Debugf("fetch failed: %v", err)
	return r
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isPermanent(status int) bool {
	return status == http.StatusMovedPermanently || status == http.StatusPermanentRedirect
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// normalizeDate rewrites an HTTP date into the canonical IMF-fixdate form so
// it can be replayed verbatim in If-Modified-Since. Unparseable values are
// dropped rather than echoed back.
func normalizeDate(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	t, err := httpdate.Str2Time(value, time.UTC)
	if err != nil {
		return ""
	}
	return t.UTC().Format(http.TimeFormat)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	t, err := httpdate.Str2Time(value, time.UTC)
	if err != nil {
		return 0
	}
	if d := t.Sub(now); d > 0 {
		return d
	}
	return 0
}
