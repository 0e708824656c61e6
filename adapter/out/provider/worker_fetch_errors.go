package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/emersion/go-imap/v2"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"mailsync_server/core/port/out"
	"mailsync_server/pkg/resilience"
)

// Gmail reports quota exhaustion as 403 with one of these reasons.
var gmailRateReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
}

// classifyGmailErr wraps err with the fetch error class the processor routes on.
func classifyGmailErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if resilience.IsOpen(err) {
		return fmt.Errorf("%s: %w: %v", op, out.ErrFetchThrottled, err)
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return fmt.Errorf("%s: %w: %v", op, out.ErrFetchAuth, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, out.ErrFetchAuth, err)
		case apiErr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w: %v", op, out.ErrFetchThrottled, err)
		case apiErr.Code == http.StatusForbidden:
			for _, e := range apiErr.Errors {
				if gmailRateReasons[e.Reason] {
					return fmt.Errorf("%s: %w: %v", op, out.ErrFetchThrottled, err)
				}
			}
			return fmt.Errorf("%s: %w: %v", op, out.ErrFetchAuth, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// gmailEndpointHealthy keeps per-message client errors from opening the
// shared Gmail breaker. 429 and 5xx still count.
func gmailEndpointHealthy(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
	}
	return false
}

// classifyIMAPErr maps IMAP response codes onto fetch error classes.
func classifyIMAPErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed, imap.ResponseCodeExpired:
			return fmt.Errorf("%s: %w: %v", op, out.ErrFetchAuth, err)
		case imap.ResponseCodeLimit, imap.ResponseCodeUnavailable:
			return fmt.Errorf("%s: %w: %v", op, out.ErrFetchThrottled, err)
		}
		// Outlook answers bad XOAUTH2 tokens with a bare NO
		text := strings.ToLower(imapErr.Text)
		if strings.Contains(text, "authenticat") || strings.Contains(text, "login failed") {
			return fmt.Errorf("%s: %w: %v", op, out.ErrFetchAuth, err)
		}
		if strings.Contains(text, "throttl") || strings.Contains(text, "too many") {
			return fmt.Errorf("%s: %w: %v", op, out.ErrFetchThrottled, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
