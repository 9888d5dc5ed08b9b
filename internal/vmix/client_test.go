package vmix

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

func TestSetTextQuery(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClientForURL(srv.URL+"/api/", time.Second)
	if err := c.SetText(context.Background(), "Referee - Main Field", 0, "Play on & go"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	if got == nil || got.URL.Path != "/api/" {
		t.Fatalf("unexpected request %+v", got)
	}
	q := got.URL.Query()
	if q.Get("Function") != "SetText" || q.Get("Input") != "Referee - Main Field" ||
		q.Get("SelectedIndex") != "0" || q.Get("Value") != "Play on & go" {
		t.Fatalf("unexpected query %v", q)
	}
}

func TestErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClientForURL(srv.URL+"/api/", time.Second)
	err := c.Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewClientBaseURL(t *testing.T) {
	c := NewClient(config.VMixConfig{Host: "10.0.0.5", Port: 8088})
	if c.baseURL != "http://10.0.0.5:8088/api/" {
		t.Fatalf("unexpected base url %s", c.baseURL)
	}
	if c.http.Timeout != 5*time.Second {
		t.Fatalf("unexpected timeout %s", c.http.Timeout)
	}
}
