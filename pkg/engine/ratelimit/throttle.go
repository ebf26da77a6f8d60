package ratelimit

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"
)

// ErrThrottled marks an error as throttling-class. Provider adapters that
// do not speak smithy wrap their 429s with it.
var ErrThrottled = errors.New("request throttled")

var throttleCodes = map[string]struct{}{
	"Throttling":                             {},
	"ThrottlingException":                    {},
	"ThrottledException":                     {},
	"RequestThrottled":                       {},
	"RequestThrottledException":              {},
	"RequestLimitExceeded":                   {},
	"TooManyRequestsException":               {},
	"ProvisionedThroughputExceededException": {},
	"SlowDown":                               {},
	"PriorRequestNotComplete":                {},
	"EC2ThrottledException":                  {},
	"BandwidthLimitExceeded":                 {},
}

type httpStatus interface {
	HTTPStatusCode() int
}

// IsThrottle reports whether err is a throttling-class error that is worth
// retrying after a delay.
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrThrottled) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := throttleCodes[apiErr.ErrorCode()]; ok {
			return true
		}
	}

	var status httpStatus
	if errors.As(err, &status) && status.HTTPStatusCode() == 429 {
		return true
	}

	// Some SDK middlewares flatten the code into the message.
	msg := err.Error()
	return strings.Contains(msg, "ThrottlingException") || strings.Contains(msg, "RequestLimitExceeded")
}
