package netguard

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFetcher pins DNS to 127.0.0.1 and counts resolver invocations so the
// validate-once contract is observable.
func testFetcher(t *testing.T, resolves *int32) *Fetcher {
	t.Helper()
	v := &Validator{Resolver: func(_ context.Context, host string) ([]net.IP, error) {
		atomic.AddInt32(resolves, 1)
		return []net.IP{net.ParseIP("127.0.0.1")}, nil
	}}
	return NewFetcher(v, zerolog.Nop(), nil)
}

func localPolicy() Policy {
	return Policy{AllowLocalhost: true}
}

func fetchOpts() FetchOptions {
	return FetchOptions{
		Policy:    localPolicy(),
		BaseDelay: time.Millisecond,
		Timeout:   5 * time.Second,
	}
}

func TestFetchRetriesOnRetryableStatus(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var resolves int32
	f := testFetcher(t, &resolves)
	res, err := f.Fetch(context.Background(), srv.URL, fetchOpts())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []byte("ok"), res.Body)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestFetchDoesNotRetryClientError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	var resolves int32
	f := testFetcher(t, &resolves)
	res, err := f.Fetch(context.Background(), srv.URL, fetchOpts())
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestFetchHonorsRetryAfter(t *testing.T) {
	var hits int32
	var firstAt, secondAt time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&hits, 1) {
		case 1:
			firstAt = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			secondAt = time.Now()
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	var resolves int32
	f := testFetcher(t, &resolves)
	res, err := f.Fetch(context.Background(), srv.URL, fetchOpts())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.GreaterOrEqual(t, secondAt.Sub(firstAt), 900*time.Millisecond)
}

func TestFetchValidatesOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// Use a hostname so resolution goes through the counting resolver; the
	// pinned dial still lands on the local test server.
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	var resolves int32
	f := testFetcher(t, &resolves)
	_, err = f.Fetch(context.Background(), "http://scan-target.test:"+port+"/", fetchOpts())
	require.Error(t, err)
	// DNS resolution happened exactly once for the whole retried call.
	assert.EqualValues(t, 1, atomic.LoadInt32(&resolves))
}

func TestFetchRejectsBlockedURL(t *testing.T) {
	var resolves int32
	f := testFetcher(t, &resolves)
	_, err := f.Fetch(context.Background(), "http://169.254.169.254/", fetchOpts())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.EqualValues(t, 0, atomic.LoadInt32(&resolves))
}

func TestFetchFollowsSameHostRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/a" {
			http.Redirect(w, r, "/b", http.StatusFound)
			return
		}
		w.Write([]byte("landed"))
	}))
	defer srv.Close()

	var resolves int32
	f := testFetcher(t, &resolves)
	res, err := f.Fetch(context.Background(), srv.URL+"/a", fetchOpts())
	require.NoError(t, err)
	assert.Equal(t, []byte("landed"), res.Body)
}

func TestFetchRefusesCrossHostRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	}))
	defer srv.Close()

	var resolves int32
	f := testFetcher(t, &resolves)
	_, err := f.Fetch(context.Background(), srv.URL, fetchOpts())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Contains(t, err.Error(), "cross-host redirect")
}

func TestFetchCountsRetryAfterBackedRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	retries := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_fetch_retries_total"})
	v := &Validator{Resolver: func(_ context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("127.0.0.1")}, nil
	}}
	f := NewFetcher(v, zerolog.Nop(), retries)

	res, err := f.Fetch(context.Background(), srv.URL, fetchOpts())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 3, res.Attempts)
	// Both throttled attempts count as retries even though the server set
	// the backoff.
	assert.InDelta(t, 2.0, testutil.ToFloat64(retries), 0.001)
}
