package ocpp

type Action string

// Station initiated (station -> server)
const (
	BootNotification              Action = "BootNotification"
	Heartbeat                     Action = "Heartbeat"
	StatusNotification            Action = "StatusNotification"
	MeterValues                   Action = "MeterValues"
	Authorize                     Action = "Authorize"
	StartTransaction              Action = "StartTransaction"
	StopTransaction               Action = "StopTransaction"
	DataTransfer                  Action = "DataTransfer"
	DiagnosticsStatusNotification Action = "DiagnosticsStatusNotification"
	FirmwareStatusNotification    Action = "FirmwareStatusNotification"
)

// Server initiated (server -> station), relayed from the REST bridge
const (
	Reset                  Action = "Reset"
	ChangeAvailability     Action = "ChangeAvailability"
	ChangeConfiguration    Action = "ChangeConfiguration"
	ClearCache             Action = "ClearCache"
	ClearChargingProfile   Action = "ClearChargingProfile"
	GetConfiguration       Action = "GetConfiguration"
	GetDiagnostics         Action = "GetDiagnostics"
	RemoteStartTransaction Action = "RemoteStartTransaction"
	RemoteStopTransaction  Action = "RemoteStopTransaction"
	ReserveNow             Action = "ReserveNow"
	SetChargingProfile     Action = "SetChargingProfile"
	UnlockConnector        Action = "UnlockConnector"
	UpdateFirmware         Action = "UpdateFirmware"
	CancelReservation      Action = "CancelReservation"
)

type ActionSet map[Action]struct{}

func NewActionSet(actions ...Action) ActionSet {
	set := make(ActionSet, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return set
}

func (s ActionSet) Contains(a Action) bool {
	_, ok := s[a]
	return ok
}

var (
	StationActions = NewActionSet(
		BootNotification, Heartbeat, StatusNotification, MeterValues, Authorize,
		StartTransaction, StopTransaction, DataTransfer,
		DiagnosticsStatusNotification, FirmwareStatusNotification,
	)

	BridgeActions = NewActionSet(
		Reset, ChangeAvailability, ChangeConfiguration, ClearCache, ClearChargingProfile,
		GetConfiguration, GetDiagnostics, RemoteStartTransaction, RemoteStopTransaction,
		ReserveNow, SetChargingProfile, UnlockConnector, UpdateFirmware, CancelReservation,
		DataTransfer,
	)
)
