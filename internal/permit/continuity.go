package permit

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/clickguard/internal/cryptoutil"
)

// ErrMalformedContinuity is returned for a continuity value that is not
// "<fingerprint>-<unix millis>".
var ErrMalformedContinuity = errors.New("malformed continuity value")

// Fingerprint derives the continuity fingerprint from client signals.
func Fingerprint(ip, userAgent string) string {
	return cryptoutil.HashParts(ip, userAgent)
}

// ContinuityValue formats the cookie value carried by the client between
// preview and confirm.
func ContinuityValue(fingerprint string, at time.Time) string {
	return fingerprint + "-" + strconv.FormatInt(at.UnixMilli(), 10)
}

// ParseContinuity splits a continuity cookie value into its fingerprint and
// issue time.
func ParseContinuity(value string) (string, time.Time, error) {
	i := strings.LastIndexByte(value, '-')
	if i <= 0 || i == len(value)-1 {
		return "", time.Time{}, ErrMalformedContinuity
	}
	ms, err := strconv.ParseInt(value[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, ErrMalformedContinuity
	}
	return value[:i], time.UnixMilli(ms), nil
}
