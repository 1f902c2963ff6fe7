package eta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
)

var (
	babRouah = models.Coord{Lat: 34.0209, Lng: -6.8416}
	hassan   = models.Coord{Lat: 34.0331, Lng: -6.8349}
)

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/-6.841600,34.020900;") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":240}]}`))
	}))
	defer srv.Close()

	secs, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), babRouah, hassan)
	if err != nil {
		t.Fatal(err)
	}
	if secs != 240 {
		t.Fatalf("got %v, want 240", secs)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), babRouah, hassan); err == nil {
		t.Fatal("expected error")
	}
}

type countingClient struct {
	calls atomic.Int32
	secs  float64
	err   error
}

func (c *countingClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	c.calls.Add(1)
	return c.secs, c.err
}

func TestEstimatorCaches(t *testing.T) {
	c := &countingClient{secs: 300}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute)}
	for i := 0; i < 3; i++ {
		if got := e.Minutes(context.Background(), babRouah, hassan); got != 5 {
			t.Fatalf("got %v minutes, want 5", got)
		}
	}
	if n := c.calls.Load(); n != 1 {
		t.Fatalf("routing engine called %d times, want 1", n)
	}
}

func TestEstimatorFallsBack(t *testing.T) {
	want := geo.ETA(geo.Distance(babRouah, hassan))
	var nilEstimator *Estimator
	if got := nilEstimator.Minutes(context.Background(), babRouah, hassan); got != want {
		t.Fatalf("nil estimator: got %v, want %v", got, want)
	}
	e := &Estimator{Client: &countingClient{err: context.DeadlineExceeded}}
	if got := e.Minutes(context.Background(), babRouah, hassan); got != want {
		t.Fatalf("failed engine: got %v, want %v", got, want)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set(babRouah, hassan, 4)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(babRouah, hassan); ok {
		t.Fatal("expected expired entry")
	}
}
