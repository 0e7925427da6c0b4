package retry

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := map[string]time.Duration{
		"":                              0,
		"3":                             3 * time.Second,
		"-1":                            0,
		"soon":                          0,
		"Sat, 01 Mar 2025 12:00:30 GMT": 30 * time.Second,
		"Sat, 01 Mar 2025 11:00:00 GMT": 0,
	}
	for in, want := range cases {
		if got := ParseRetryAfter(in, now); got != want {
			t.Fatalf("%q: expected %v got %v", in, want, got)
		}
	}
}

func TestRetryAfterFromResponse(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After-Ms", "250")
	if got := RetryAfterFromResponse(resp); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms got %v", got)
	}
	resp.Header.Set("Retry-After", "2")
	if got := RetryAfterFromResponse(resp); got != 2*time.Second {
		t.Fatalf("expected 2s got %v", got)
	}
	if RetryAfterFromResponse(nil) != 0 {
		t.Fatalf("nil response should have no hint")
	}
}
