package logging

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

const (
	redacted     = "[REDACTED]"
	secretParams = `access_token|refresh_token|id_token|api_key|key|token|client_secret|code|code_verifier`
)

var (
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk-ant-|sk-|api_)[A-Za-z0-9\-_]{6,}`)
	jwtPattern    = regexp.MustCompile(`\beyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]*`)
	queryPattern  = regexp.MustCompile(`(?i)([?&;\s]|^)(` + secretParams + `)=[^&\s"']+`)
	jsonPattern   = regexp.MustCompile(`(?i)"(` + secretParams + `)"\s*:\s*"[^"]*"`)
)

// Redact masks bearer tokens, API keys, JWTs and secret-bearing parameters.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = bearerPattern.ReplaceAllString(s, "Bearer "+redacted)
	s = jwtPattern.ReplaceAllString(s, redacted)
	s = apiKeyPattern.ReplaceAllString(s, redacted)
	s = queryPattern.ReplaceAllString(s, "${1}${2}="+redacted)
	s = jsonPattern.ReplaceAllString(s, `"${1}":"`+redacted+`"`)
	return s
}

// RedactError returns the redacted message of err, or "" for nil.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}

// RedactHeaders flattens headers for logging, masking credential headers.
func RedactHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for k, vals := range headers {
		val := strings.Join(vals, ", ")
		switch strings.ToLower(k) {
		case "authorization", "x-api-key", "cookie", "chatgpt-account-id":
			val = redacted
		default:
			val = Redact(val)
		}
		out[k] = val
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return Redact(val)
	case error:
		return RedactError(val)
	case fmt.Stringer:
		return Redact(val.String())
	default:
		return v
	}
}
