package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stockwatch/internal/fetcher/parse"
	"github.com/JakeFAU/stockwatch/internal/restock"
)

const page = `<html><body>
<div class="product-grid-item"><div class="product-grid-name"><a href="/product/milk">Milk</a></div></div>
<div class="product-grid-item"><div class="product-grid-name"><a href="/product/whey">Whey</a></div><span>Sold out</span></div>
</body></html>`

func TestNewFactoryValidation(t *testing.T) {
	t.Parallel()

	p := parse.New(parse.Selectors{}, nil)
	_, err := NewFactory(Config{}, p, nil)
	require.Error(t, err)
	_, err = NewFactory(Config{URLTemplate: "https://shop.example/browse"}, p, nil)
	require.Error(t, err)
	_, err = NewFactory(Config{URLTemplate: "https://shop.example/browse?pin={region}"}, nil, nil)
	require.Error(t, err)

	f, err := NewFactory(Config{URLTemplate: "https://shop.example/browse", RegionCookie: "pincode"}, p, nil)
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, f.cfg.Timeout)
}

func TestSessionFetch(t *testing.T) {
	t.Parallel()

	var (
		mu                sync.Mutex
		gotPin, gotCookie string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPin = r.URL.Query().Get("pin")
		if c, err := r.Cookie("pincode"); err == nil {
			gotCookie = c.Value
		}
		_, _ = fmt.Fprint(w, page)
	}))
	t.Cleanup(srv.Close)

	f, err := NewFactory(Config{
		URLTemplate:  srv.URL + "/browse?pin={region}",
		RegionCookie: "pincode",
		UserAgent:    "stockwatch-test",
	}, parse.New(parse.Selectors{}, nil), nil)
	require.NoError(t, err)

	sess, err := f.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })

	for range 2 {
		entries, err := sess.Fetch(context.Background(), "560001")
		require.NoError(t, err)
		require.Equal(t, []restock.ProductEntry{
			{ProductID: "milk", Name: "Milk"},
			{ProductID: "whey", Name: "Whey", SoldOut: true},
		}, entries)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "560001", gotPin)
	require.Equal(t, "560001", gotCookie)
}

func TestSessionFetchServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	f, err := NewFactory(Config{URLTemplate: srv.URL + "/{region}"}, parse.New(parse.Selectors{}, nil), nil)
	require.NoError(t, err)
	sess, err := f.Acquire(context.Background())
	require.NoError(t, err)

	_, err = sess.Fetch(context.Background(), "560001")
	require.ErrorContains(t, err, "status 503")
	require.NoError(t, sess.Close(context.Background()))
	require.NoError(t, sess.Close(context.Background()))
}

func TestAcquireCanceled(t *testing.T) {
	t.Parallel()

	f, err := NewFactory(Config{URLTemplate: "http://x/{region}"}, parse.New(parse.Selectors{}, nil), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	s := &Session{cfg: Config{RegionCookie: "pincode"}}
	var (
		body     []byte
		fetchErr error
	)
	hooks := &stubHooks{}
	s.configureCollectorHooks(hooks, "110001", &body, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	req := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(req)
	require.Equal(t, "pincode=110001", req.Headers.Get("Cookie"))

	hooks.onResponse(&colly.Response{Body: []byte("ok")})
	require.Equal(t, "ok", string(body))

	hooks.onError(&colly.Response{StatusCode: 404}, errors.New("Not Found"))
	require.EqualError(t, fetchErr, "status 404: Not Found")
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
