package fetcher

import (
	"errors"
	"fmt"
)

// Kind classifies provider failures. The scheduler and gap detector branch on
// it: rate limits defer work, unavailable data gets one delayed retry,
// transients count toward the consecutive-failure pause, invalid symbols are
// skipped outright.
type Kind string

const (
	KindRateLimited   Kind = "rate_limited"
	KindUnavailable   Kind = "unavailable"
	KindTransient     Kind = "transient"
	KindInvalidSymbol Kind = "invalid_symbol"
)

// ProviderError is the typed failure every DataClient method returns.
type ProviderError struct {
	Kind     Kind
	Symbol   string
	Endpoint string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s: %s %s", e.Kind, e.Endpoint, e.Symbol)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (http %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind, or "" when err is not a provider error.
func KindOf(err error) Kind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsRateLimited reports whether err is a quota-exhaustion failure.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

// IsUnavailable reports whether the provider has no data for the request.
func IsUnavailable(err error) bool { return KindOf(err) == KindUnavailable }

// IsTransient reports whether err is a network or timeout failure.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsInvalidSymbol reports whether the symbol or response was malformed.
func IsInvalidSymbol(err error) bool { return KindOf(err) == KindInvalidSymbol }
