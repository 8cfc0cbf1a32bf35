package helpers

const (
	DateFormat   = "2006-01-02T15:04:05Z"
	DateFormatMs = "2006-01-02T15:04:05.000Z"
)

// GenerateDateNow returns the current UTC time with second precision.
func GenerateDateNow() string {
	return Now().UTC().Format(DateFormat)
}

// GenerateDateNowMs returns the current UTC time with millisecond precision.
func GenerateDateNowMs() string {
	return Now().UTC().Format(DateFormatMs)
}
