package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Error classes. Every error returned by a Requester wraps exactly one of them.
var (
	// ErrAuth means the credential is invalid or expired; the account needs re-authorization.
	ErrAuth = errors.New("authentication failed")
	// ErrTransient means the call may succeed if retried with backoff.
	ErrTransient = errors.New("transient failure")
	// ErrValidation means the request or payload is malformed; retrying will not help.
	ErrValidation = errors.New("invalid request")
)

// RequestError carries the upstream status and message of a failed call.
type RequestError struct {
	Platform string
	Status   int
	Code     int
	Message  string
	Kind     error
	Err      error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s request failed", e.Platform)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d", e.Status)
		if e.Code != 0 {
			msg += fmt.Sprintf(", code %d", e.Code)
		}
		msg += ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsAuth reports whether err requires re-authorization.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsValidation reports whether err is a malformed request or payload.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsPermanent reports whether retrying err cannot help. A joined error is
// permanent only when every error in it is, so one retryable failure among
// several permanent ones keeps the whole unit retryable.
func IsPermanent(err error) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *RequestError:
		return e.Kind == ErrValidation || e.Kind == ErrAuth
	case interface{ Unwrap() []error }:
		errs := e.Unwrap()
		if len(errs) == 0 {
			return false
		}
		for _, inner := range errs {
			if !IsPermanent(inner) {
				return false
			}
		}
		return true
	case interface{ Unwrap() error }:
		return IsPermanent(e.Unwrap())
	}
	return err == ErrValidation || err == ErrAuth
}

// kindForStatus maps an HTTP status to an error class.
func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return ErrTransient
	default:
		return ErrValidation
	}
}

// Classify wraps errors coming from platform SDKs into the same taxonomy the
// Requester uses. Errors already classified are returned unchanged.
func Classify(platform string, err error) error {
	if err == nil {
		return nil
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return &RequestError{
			Platform: platform,
			Status:   gErr.Code,
			Message:  gErr.Message,
			Kind:     kindForStatus(gErr.Code),
			Err:      err,
		}
	}

	// A refresh token the provider no longer honours needs a new consent.
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		reqErr := &RequestError{Platform: platform, Message: rErr.ErrorCode, Kind: ErrAuth, Err: err}
		if rErr.Response != nil {
			reqErr.Status = rErr.Response.StatusCode
			if rErr.Response.StatusCode >= 500 {
				reqErr.Kind = ErrTransient
			}
		}
		return reqErr
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &RequestError{Platform: platform, Kind: ErrTransient, Err: err}
	}

	return &RequestError{Platform: platform, Kind: ErrTransient, Err: err}
}
