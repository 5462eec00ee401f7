package aws

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Signal classifies a failed API call so specialists can tell missing
// permissions apart from missing resources.
type Signal string

const (
	SignalOK           Signal = ""
	SignalAccessDenied Signal = "access_denied"
	SignalNotFound     Signal = "not_found"
	SignalThrottled    Signal = "throttled"
	SignalUnavailable  Signal = "unavailable"
	SignalError        Signal = "error"
)

// categorizeAWSError turns an API error into a classification and a short
// message suitable for a fact.
func categorizeAWSError(err error, operation string) (Signal, string) {
	if err == nil {
		return SignalOK, ""
	}

	code, msg := "", err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code, msg = apiErr.ErrorCode(), apiErr.ErrorMessage()
	}
	lower := strings.ToLower(code + " " + msg)

	switch {
	case strings.Contains(lower, "accessdenied"), strings.Contains(lower, "access denied"),
		strings.Contains(lower, "not authorized"), strings.Contains(lower, "unauthorizedoperation"),
		strings.Contains(lower, "forbidden"):
		return SignalAccessDenied, fmt.Sprintf("%s denied: %s", operation, msg)
	case strings.Contains(lower, "notfound"), strings.Contains(lower, "not found"),
		strings.Contains(lower, "nosuch"), strings.Contains(lower, "does not exist"),
		strings.Contains(lower, "nonexistent"):
		return SignalNotFound, fmt.Sprintf("%s: resource not found: %s", operation, msg)
	case strings.Contains(lower, "throttl"), strings.Contains(lower, "rate exceeded"),
		strings.Contains(lower, "toomanyrequests"):
		return SignalThrottled, fmt.Sprintf("%s throttled: %s", operation, msg)
	case strings.Contains(lower, "could not connect"), strings.Contains(lower, "no such host"),
		strings.Contains(lower, "serviceunavailable"), strings.Contains(lower, "account not initialized"):
		return SignalUnavailable, fmt.Sprintf("%s unavailable in this region or account: %s", operation, msg)
	default:
		return SignalError, fmt.Sprintf("%s failed: %s", operation, msg)
	}
}
