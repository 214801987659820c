package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(timeout time.Duration) *Fetcher {
	return New(Config{Timeout: timeout, UserAgent: "feedfanout/test", SiteURL: "https://reader.example.com"})
}

func TestFetchConditionalNotModified(t *testing.T) {
	var gotUA, gotETag, gotSince, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotETag = r.Header.Get("If-None-Match")
		gotSince = r.Header.Get("If-Modified-Since")
		gotAccept = r.Header.Get("Accept")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	resp := newTestFetcher(time.Second).Fetch(context.Background(), Request{
		URL:         srv.URL,
		ETag:        `"abc"`,
		Modified:    "Mon, 02 Jan 2006 15:04:05 GMT",
		Subscribers: 3,
	})

	assert.True(t, resp.NotModified())
	assert.Equal(t, `"abc"`, gotETag)
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", gotSince)
	assert.Equal(t, "feedfanout/test (+https://reader.example.com; 3 subscribers)", gotUA)
	assert.Contains(t, gotAccept, "application/rss+xml")
}

func TestFetchOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"v2"`)
		w.Header().Set("Last-Modified", "Tue, 15 Nov 1994 08:12:31 GMT")
		w.Write([]byte("<rss></rss>"))
	}))
	defer srv.Close()

	resp := newTestFetcher(time.Second).Fetch(context.Background(), Request{URL: srv.URL, Subscribers: 1})

	require.Equal(t, KindNone, resp.Kind)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "<rss></rss>", string(resp.Body))
	assert.Equal(t, `"v2"`, resp.ETag)
	assert.Equal(t, "Tue, 15 Nov 1994 08:12:31 GMT", resp.Modified)
	assert.Equal(t, RedirectNone, resp.Redirect)
	assert.Equal(t, srv.URL, resp.PermanentURL)
}

func TestFetchRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/moved308", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusPermanentRedirect)
	})
	mux.HandleFunc("/temp", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/mixed", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/temp", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("feed"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(time.Second)
	ctx := context.Background()

	for _, path := range []string{"/moved", "/moved308"} {
		resp := f.Fetch(ctx, Request{URL: srv.URL + path})
		assert.Equal(t, RedirectPermanent, resp.Redirect, path)
		assert.Equal(t, srv.URL+"/new", resp.PermanentURL, path)
		assert.Equal(t, srv.URL+"/new", resp.FinalURL, path)
		assert.Equal(t, "feed", string(resp.Body), path)
	}

	resp := f.Fetch(ctx, Request{URL: srv.URL + "/temp"})
	assert.Equal(t, RedirectTemporary, resp.Redirect)
	assert.Equal(t, srv.URL+"/temp", resp.PermanentURL)
	assert.Equal(t, srv.URL+"/new", resp.FinalURL)

	resp = f.Fetch(ctx, Request{URL: srv.URL + "/mixed"})
	assert.Equal(t, RedirectPermanent, resp.Redirect)
	assert.Equal(t, srv.URL+"/temp", resp.PermanentURL)
	assert.Equal(t, srv.URL+"/new", resp.FinalURL)

	resp = f.Fetch(ctx, Request{URL: srv.URL + "/loop"})
	assert.Equal(t, KindMalformed, resp.Kind)
}

func TestFetchStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/busy":
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	f := newTestFetcher(time.Second)

	resp := f.Fetch(context.Background(), Request{URL: srv.URL + "/busy"})
	assert.Equal(t, KindStatus, resp.Kind)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, time.Hour, resp.RetryAfter)

	resp = f.Fetch(context.Background(), Request{URL: srv.URL + "/bad"})
	assert.Equal(t, KindStatus, resp.Kind)
	assert.Equal(t, "502", resp.Kind.Code(resp.Status))
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer srv.Close()

	resp := newTestFetcher(50*time.Millisecond).Fetch(context.Background(), Request{URL: srv.URL})
	assert.Equal(t, KindTimeout, resp.Kind)
	assert.Equal(t, "timeout", resp.Kind.Code(resp.Status))
}

func TestFetchConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	resp := newTestFetcher(time.Second).Fetch(context.Background(), Request{URL: addr})
	assert.Equal(t, KindConnection, resp.Kind)
	assert.Error(t, resp.Err)
}

func TestFetchDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write([]byte("definitely not gzip"))
	}))
	defer srv.Close()

	resp := newTestFetcher(time.Second).Fetch(context.Background(), Request{URL: srv.URL})
	assert.Equal(t, KindDecode, resp.Kind)
}

func TestFetchInvalidURL(t *testing.T) {
	resp := newTestFetcher(time.Second).Fetch(context.Background(), Request{URL: "not a url"})
	assert.Equal(t, KindMalformed, resp.Kind)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 120*time.Second, parseRetryAfter("120", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5", now))
	assert.Equal(t, 30*time.Minute, parseRetryAfter("Fri, 01 Mar 2024 12:30:00 GMT", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("Fri, 01 Mar 2024 11:30:00 GMT", now))
}

func TestUserAgentSingular(t *testing.T) {
	f := New(Config{UserAgent: "feedfanout/1.0"})
	assert.Equal(t, "feedfanout/1.0 (1 subscriber)", f.UserAgent(1))
}
