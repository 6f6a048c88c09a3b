package sshprobe

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Status classifies one certificate check. StatusError and
// StatusUnreachable describe failed probes so "never successfully checked"
// stays distinguishable from "checked, certificate fine".
type Status string

const (
	StatusOK          Status = "ok"
	StatusWarning     Status = "warning"
	StatusExpired     Status = "expired"
	StatusError       Status = "error"
	StatusUnreachable Status = "unreachable"
)

// enddateLayout matches openssl's enddate output, e.g.
// "Dec 31 23:59:59 2025 GMT". _2 absorbs the space padding openssl uses
// for single-digit days.
const enddateLayout = "Jan _2 15:04:05 2006 MST"

// ParseEnddate extracts the expiry timestamp from
// "notAfter=Dec 31 23:59:59 2025 GMT".
func ParseEnddate(output string) (time.Time, error) {
	s := strings.TrimSpace(output)
	if i := strings.Index(s, "notAfter="); i >= 0 {
		s = strings.TrimSpace(s[i+len("notAfter="):])
	}
	ts, err := time.Parse(enddateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unexpected enddate output %q: %w", output, err)
	}
	return ts.UTC(), nil
}

// DaysRemaining is floor((expiry - now) / 24h). Negative for expired
// certificates.
func DaysRemaining(expiry, now time.Time) int {
	return int(math.Floor(expiry.Sub(now).Hours() / 24))
}

// Classify maps days remaining onto a status. Exactly at the threshold is
// still a warning; one day above it is ok.
func Classify(daysRemaining, warningDays int) Status {
	switch {
	case daysRemaining <= 0:
		return StatusExpired
	case daysRemaining <= warningDays:
		return StatusWarning
	default:
		return StatusOK
	}
}
