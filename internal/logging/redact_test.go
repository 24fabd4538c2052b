package logging

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		secret string
	}{
		{"bearer header", "Authorization: Bearer abc.def-ghi", "abc.def-ghi"},
		{"openai key", "invalid key sk-proj1234567890", "sk-proj1234567890"},
		{"anthropic key", "key sk-ant-api03-abcdefgh rejected", "sk-ant-api03-abcdefgh"},
		{"api_ key", "account api_abcdef123 failed", "api_abcdef123"},
		{"jwt", "token eyJhbGciOi.eyJzdWIiOi.c2lnbmF0dXJl expired", "eyJhbGciOi.eyJzdWIiOi.c2lnbmF0dXJl"},
		{"query param", "GET https://x.test/cb?code=authcode123&state=s", "authcode123"},
		{"refresh param", "refresh_token=r3fr3sh&grant_type=refresh_token", "r3fr3sh"},
		{"json field", `{"access_token":"tok-abc","expires_in":3600}`, "tok-abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Redact(tt.in)
			if strings.Contains(out, tt.secret) {
				t.Fatalf("secret leaked: %s", out)
			}
			if !strings.Contains(out, redacted) {
				t.Fatalf("expected redaction marker: %s", out)
			}
		})
	}
}

func TestRedactKeepsPlainText(t *testing.T) {
	in := "usage endpoint returned status 503 after 3 attempts"
	if out := Redact(in); out != in {
		t.Fatalf("unexpected change: %s", out)
	}
	if RedactError(nil) != "" {
		t.Fatalf("expected empty string for nil error")
	}
}

func TestRedactHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("Content-Type", "application/json")

	out := RedactHeaders(h)
	if out["Authorization"] != redacted {
		t.Fatalf("expected authorization to be masked")
	}
	if out["Content-Type"] != "application/json" {
		t.Fatalf("expected content type to pass through")
	}
}

func TestLoggerRedactsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelDebug))

	logger.Error("refresh failed for Bearer abcdef", "error", errors.New("body: refresh_token=xyz789"))

	out := buf.String()
	if strings.Contains(out, "abcdef") || strings.Contains(out, "xyz789") {
		t.Fatalf("secret leaked into log: %s", out)
	}
}

func TestParseLevelCases(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARNING": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
