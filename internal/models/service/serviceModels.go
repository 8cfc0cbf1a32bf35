package service

import (
	"time"
)

type ServiceContext struct {
	HostName string
}

// Station is the stored identity record of a charging station.
type Station struct {
	Tenant     string
	StationID  string
	Token      string
	SiteID     string
	SiteAreaID string
	CompanyID  string
	LastSeen   time.Time
}

type Transaction struct {
	Id          int64
	Guid        string
	Tenant      string
	StationID   string
	ConnectorId int
	IdTag       string
	MeterStart  int
	TimeStarted time.Time
	TimeEnded   *time.Time
	MeterStop   *int
}
