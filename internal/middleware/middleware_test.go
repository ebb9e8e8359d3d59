package middleware

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestParseTrustedProxyCIDRs(t *testing.T) {
	tests := []struct {
		name    string
		csv     string
		wantErr bool
		wantLen int
	}{
		{"empty", "", false, 0},
		{"whitespace", "  ", false, 0},
		{"single valid", "127.0.0.0/8", false, 1},
		{"multiple valid", "127.0.0.0/8,10.0.0.0/8", false, 2},
		{"with spaces", " 127.0.0.0/8 , 10.0.0.0/8 ", false, 2},
		{"invalid CIDR", "not-a-cidr", true, 0},
		{"invalid in list", "127.0.0.0/8,invalid", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTrustedProxyCIDRs(tt.csv)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseTrustedProxyCIDRs() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if len(got) != tt.wantLen {
				t.Errorf("ParseTrustedProxyCIDRs() len = %v, want %v", len(got), tt.wantLen)
			}
		})
	}
}

func TestParseTrustedProxyCIDRs_contains(t *testing.T) {
	nets, err := ParseTrustedProxyCIDRs("127.0.0.0/8")
	if err != nil {
		t.Fatal(err)
	}
	if len(nets) != 1 {
		t.Fatalf("expected 1 network, got %d", len(nets))
	}
	ip := net.ParseIP("127.0.0.1")
	if ip == nil {
		t.Fatal("parse IP")
	}
	if !nets[0].Contains(ip) {
		t.Error("expected 127.0.0.1 to be contained in 127.0.0.0/8")
	}
}

func TestOriginWith(t *testing.T) {
	trusted, err := ParseTrustedProxyCIDRs("10.0.0.0/8")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name       string
		remoteAddr string
		host       string
		tls        bool
		headers    map[string]string
		want       string
	}{
		{"plain http", "203.0.113.1:5000", "localhost:3000", false, nil, "http://localhost:3000"},
		{"direct tls", "203.0.113.1:5000", "bytemason.com", true, nil, "https://bytemason.com"},
		{
			"trusted proxy forwards scheme and host", "10.1.2.3:5000", "internal:8080", false,
			map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "bytemason.com, internal"},
			"https://bytemason.com",
		},
		{
			"untrusted proxy headers ignored", "203.0.113.1:5000", "bytemason.com", false,
			map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "evil.example"},
			"http://bytemason.com",
		},
		{
			"bogus forwarded scheme ignored", "10.1.2.3:5000", "bytemason.com", false,
			map[string]string{"X-Forwarded-Proto": "javascript"},
			"http://bytemason.com",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := OriginWith(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetOrigin(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/signin", nil)
			req.RemoteAddr = tt.remoteAddr
			req.Host = tt.host
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			}
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("GetOrigin() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRealIPWith(t *testing.T) {
	trusted, _ := ParseTrustedProxyCIDRs("10.0.0.0/8")
	var got string
	h := RealIPWith(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRealIP(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.5")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "198.51.100.9" {
		t.Errorf("trusted GetRealIP() = %q, want 198.51.100.9", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.1:1234"
	req.Header.Set("X-Real-IP", "198.51.100.9")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "203.0.113.1" {
		t.Errorf("untrusted GetRealIP() = %q, want 203.0.113.1", got)
	}
}

func TestRequestID(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got == "" || rec.Header().Get("X-Request-ID") != got {
		t.Errorf("generated request id = %q, header = %q", got, rec.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "abc" {
		t.Errorf("propagated request id = %q, want abc", got)
	}
}

func TestRecoverer(t *testing.T) {
	log, hook := test.NewNullLogger()
	h := Recoverer(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if e := hook.LastEntry(); e == nil || e.Message != "panic recovered" {
		t.Errorf("last log entry = %+v", e)
	}
}

func TestTimeout(t *testing.T) {
	var deadline bool
	h := Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, deadline = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	if !deadline {
		t.Error("Timeout() did not set a deadline")
	}
}

func TestNoCache(t *testing.T) {
	rec := httptest.NewRecorder()
	NoCache(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("Cache-Control"); got != "no-store, no-cache, must-revalidate" {
		t.Errorf("Cache-Control = %q", got)
	}
}
