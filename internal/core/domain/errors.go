package domain

import "errors"

var (
	// ErrFeedUnavailable marks a feed that could not be fetched for this run.
	ErrFeedUnavailable = errors.New("feed unavailable")

	// ErrProviderRateLimited is returned when the quota tracker denies a call
	// or the provider answers 429.
	ErrProviderRateLimited = errors.New("provider rate limited")

	// ErrProviderError is a transient provider failure (network, 5xx). Retryable.
	ErrProviderError = errors.New("provider error")

	// ErrProviderNotFound means the provider has no data for the indicator.
	ErrProviderNotFound = errors.New("indicator not found at provider")

	// ErrMalformedInput marks a raw indicator that cannot be processed.
	ErrMalformedInput = errors.New("malformed input")

	// ErrMalformedResponse marks a provider body that could not be decoded.
	ErrMalformedResponse = errors.New("malformed provider response")

	ErrPersistence     = errors.New("persistence failure")
	ErrSinkUnavailable = errors.New("persistence sink unavailable")
	ErrNotFound        = errors.New("record not found")
)
