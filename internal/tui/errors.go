package tui

import (
	"errors"
	"net"
	"net/http"
	"strings"
)

// humanError turns a client error into one line for the footer.
func humanError(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.Status {
		case http.StatusUnauthorized:
			return "Unauthorized: pass -token or set auth_token"
		case http.StatusNotFound:
			return "Task not found under this project and agent"
		case http.StatusTooManyRequests:
			return "Rate limited by the gateway"
		}
		if httpErr.Message != "" {
			return capitalize(httpErr.Message)
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return "Gateway unreachable: " + innermost(err.Error())
	}
	return capitalize(innermost(err.Error()))
}

// innermost keeps the last segment of a wrapped message:
// "tui: fetch: connection refused" becomes "connection refused".
func innermost(msg string) string {
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		return msg[idx+2:]
	}
	return msg
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
