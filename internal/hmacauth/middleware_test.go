package hmacauth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

const callerHeader = "X-Caller-Address"

func newVerifier(now time.Time) *Verifier {
	return &Verifier{
		Secret:       "secret",
		MaxSkew:      time.Minute,
		Now:          func() time.Time { return now },
		BoundHeaders: []string{callerHeader},
	}
}

func signedRequest(body, caller string, ts time.Time, secret string) *http.Request {
	tsHeader := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/intents", strings.NewReader(body))
	req.Header.Set(DefaultTimestampHeader, tsHeader)
	req.Header.Set(callerHeader, caller)
	req.Header.Set(DefaultSignatureHeader, Sign(secret, tsHeader, []byte(body), caller))
	return req
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"depositId":1,"amount":"40"}`
	now := time.Unix(1_700_000_000, 0)
	req := signedRequest(body, "0x0000000000000000000000000000000000000b0b", now, "secret")
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		seen = buf.String()
		w.WriteHeader(http.StatusOK)
	})

	newVerifier(now).Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != body {
		t.Fatalf("handler saw body %q, want %q", seen, body)
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := `{"amount":"40"}`

	swapped := signedRequest(body, "0x0000000000000000000000000000000000000b0b", now, "secret")
	swapped.Header.Set(callerHeader, "0x000000000000000000000000000000000000bad0")

	cases := map[string]*http.Request{
		"wrong secret":   signedRequest(body, "0xb0b", now, "other"),
		"stale":          signedRequest(body, "0xb0b", now.Add(-2*time.Minute), "secret"),
		"future":         signedRequest(body, "0xb0b", now.Add(2*time.Minute), "secret"),
		"swapped caller": swapped,
	}
	missing := httptest.NewRequest(http.MethodPost, "/api/v1/intents", strings.NewReader(body))
	missing.Header.Set(DefaultTimestampHeader, strconv.FormatInt(now.Unix(), 10))
	cases["missing signature"] = missing

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newVerifier(now).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			})).ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestMiddleware_CustomHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{
		Secret:          "secret",
		MaxSkew:         time.Minute,
		Now:             func() time.Time { return now },
		SignatureHeader: "X-Gateway-Signature",
		TimestampHeader: "X-Gateway-Time",
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/deposits", nil)
	req.Header.Set("X-Gateway-Time", ts)
	req.Header.Set("X-Gateway-Signature", strings.ToUpper(Sign("secret", ts, nil)))

	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestMiddleware_EmptySecretRejects(t *testing.T) {
	v := &Verifier{BoundHeaders: []string{callerHeader}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/credit", strings.NewReader(`{}`))
	req.Header.Set(callerHeader, "0x00000000000000000000000000000000000000a0")
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_ExplicitlyDisabled(t *testing.T) {
	v := &Verifier{Disabled: true}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/deposits", nil)
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
