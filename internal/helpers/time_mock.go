package helpers

import (
	"time"
)

var mockNow func() time.Time = time.Now

// SetMockNow overrides the clock used by Now, for tests.
func SetMockNow(mock func() time.Time) {
	mockNow = mock
}

func ResetMockNow() {
	mockNow = time.Now
}

func Now() time.Time {
	return mockNow()
}

// Since is time.Since against the mockable clock.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}
