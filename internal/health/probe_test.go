package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWait(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := NewProber(Probe{URL: srv.URL, Interval: 10 * time.Millisecond, Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))

	st := p.State()
	assert.True(t, st.Ready)
	assert.Equal(t, 3, st.Attempts)
	assert.Equal(t, "HTTP 200", st.Message)
}

func TestWaitTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := NewProber(Probe{URL: srv.URL, Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	err = p.Wait(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
	assert.ErrorContains(t, err, "HTTP 502")
	assert.False(t, p.State().Ready)
}

func TestWaitExpectStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := NewProber(Probe{URL: srv.URL, ExpectStatus: http.StatusNoContent, Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))
}

func TestWaitUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewProber(Probe{URL: url, Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	err = p.Wait(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
	assert.ErrorContains(t, err, "Network Error")
}

func TestNewProberRequiresURL(t *testing.T) {
	_, err := NewProber(Probe{})
	require.ErrorIs(t, err, ErrInvalidProbe)
}
