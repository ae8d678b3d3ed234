package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// statusCodePattern finds standalone three-digit codes in an error message.
// The optional first group captures a locator word so that "line 401" or
// "row 429" is not read as a status.
var statusCodePattern = regexp.MustCompile(`(?:\b(line|row|column|col|offset|record|byte|position)\s*[:#]?\s*)?\b(\d{3})\b`)

// Class is the retry category of a failed attempt.
type Class int

const (
	Unknown Class = iota
	RateLimited
	ServiceUnavailable
	Timeout
	Unauthorized
)

func (c Class) String() string {
	switch c {
	case RateLimited:
		return "rate_limited"
	case ServiceUnavailable:
		return "service_unavailable"
	case Timeout:
		return "timeout"
	case Unauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Retryable reports whether the executor backs off and tries again.
func (c Class) Retryable() bool {
	return c == RateLimited || c == ServiceUnavailable || c == Timeout
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Classify maps an error onto a Class. Typed signals (HTTP status, deadline,
// net timeouts) win over message matching.
func Classify(err error) Class {
	if err == nil {
		return Unknown
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if c, ok := classifyStatus(sc.StatusCode()); ok {
			return c
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests"):
		return RateLimited
	case strings.Contains(msg, "service unavailable"):
		return ServiceUnavailable
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return Timeout
	case strings.Contains(msg, "unauthorized"):
		return Unauthorized
	}
	return classifyText(msg)
}

// classifyText reads the first recognised status code in msg, skipping
// numbers that follow a locator word.
func classifyText(msg string) Class {
	for _, m := range statusCodePattern.FindAllStringSubmatch(msg, -1) {
		if m[1] != "" {
			continue
		}
		code, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		switch code {
		case http.StatusTooManyRequests:
			return RateLimited
		case http.StatusServiceUnavailable:
			return ServiceUnavailable
		case http.StatusUnauthorized:
			return Unauthorized
		}
	}
	return Unknown
}

func classifyStatus(code int) (Class, bool) {
	switch code {
	case http.StatusTooManyRequests:
		return RateLimited, true
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return ServiceUnavailable, true
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return Timeout, true
	case http.StatusUnauthorized, http.StatusForbidden:
		return Unauthorized, true
	}
	return Unknown, false
}
