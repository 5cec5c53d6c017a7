package admin

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestServeHTTPRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := NewServer("127.0.0.1:0", reg, false)
	h := srv.Handler

	cases := []struct {
		path string
		want int
	}{
		{"/metrics", 200},
		{"/ping", 200},
		{"/ready", 200},
		{"/debug/pprof/cmdline", 404},
		{"/nope", 404},
	}
	for _, c := range cases {
		req := httptest.NewRequest("GET", c.path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, c.want, w.Code, "path=%s", c.path)
	}
}

func TestServeHTTPExposesPprofWhenEnabled(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := NewServer("127.0.0.1:0", reg, true)
	h := srv.Handler

	req := httptest.NewRequest("GET", "/debug/pprof/cmdline", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
}
