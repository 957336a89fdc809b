package github

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	gh "github.com/google/go-github/v55/github"
)

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var er *gh.ErrorResponse
	return errors.As(err, &er) && er.Response != nil && er.Response.StatusCode == http.StatusNotFound
}

// IsAuthError reports whether err means the credential is bad or lacks
// access (401 or 403, excluding rate-limit 403s).
func IsAuthError(err error) bool {
	if IsRateLimited(err) {
		return false
	}
	var er *gh.ErrorResponse
	if !errors.As(err, &er) || er.Response == nil {
		return false
	}
	code := er.Response.StatusCode
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsRateLimited reports whether err is a primary or secondary rate-limit
// rejection.
func IsRateLimited(err error) bool {
	var rle *gh.RateLimitError
	var arle *gh.AbuseRateLimitError
	return errors.As(err, &rle) || errors.As(err, &arle)
}

// IsTransient reports whether a call is worth retrying: server errors,
// rate limits, and network-level failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsRateLimited(err) {
		return true
	}
	var er *gh.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}
