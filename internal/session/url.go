package session

import (
	"fmt"
	"regexp"
	"strings"

	"sw/ocpp/gateway/internal/ocpp"
)

const (
	StationIdMaxLen = 64
	TenantMaxLen    = 64
	keySeparator    = "~"
)

var validIdString = regexp.MustCompile(`^[A-Za-z0-9\-_.]+$`).MatchString

// Identity names one logical session. Site fields are filled in by Initialize.
type Identity struct {
	Route      string
	Tenant     string
	Token      string
	StationID  string
	SiteID     string
	SiteAreaID string
	CompanyID  string
}

func Key(tenant string, stationID string) string {
	return tenant + keySeparator + stationID
}

// Key is the registry key tenant~station.
func (i Identity) Key() string {
	return Key(i.Tenant, i.StationID)
}

// URLKey also carries the token, as seen during URL parsing.
func (i Identity) URLKey() string {
	return i.Tenant + keySeparator + i.Token + keySeparator + i.StationID
}

// ParseURL splits /{route}/{tenant}/{token}/{station}. With allowLegacy the
// three segment form /{route}/{tenant}/{station} is accepted with an empty token.
func ParseURL(urlPath string, allowLegacy bool) (Identity, error) {
	trimmed := strings.Trim(urlPath, "/")
	if trimmed == "" {
		return Identity{}, fmt.Errorf("%w: empty path", ocpp.ErrMalformedURL)
	}
	segments := strings.Split(trimmed, "/")

	var id Identity
	switch {
	case len(segments) == 4:
		id = Identity{Route: segments[0], Tenant: segments[1], Token: segments[2], StationID: segments[3]}
	case len(segments) == 3 && allowLegacy:
		id = Identity{Route: segments[0], Tenant: segments[1], StationID: segments[2]}
	default:
		return Identity{}, fmt.Errorf("%w: %d path segments in %q", ocpp.ErrMalformedURL, len(segments), urlPath)
	}

	if err := checkSegment("tenant", id.Tenant, TenantMaxLen); err != nil {
		return Identity{}, err
	}
	if err := checkSegment("charging station id", id.StationID, StationIdMaxLen); err != nil {
		return Identity{}, err
	}
	if len(segments) == 4 && id.Token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ocpp.ErrMalformedURL)
	}
	return id, nil
}

func checkSegment(name string, value string, maxLen int) error {
	if value == "" {
		return fmt.Errorf("%w: empty %s", ocpp.ErrMalformedURL, name)
	}
	if len(value) > maxLen {
		return fmt.Errorf("%w: %s longer than %d", ocpp.ErrMalformedURL, name, maxLen)
	}
	if !validIdString(value) {
		return fmt.Errorf("%w: invalid characters in %s %q", ocpp.ErrMalformedURL, name, value)
	}
	return nil
}
