package ocpp

// --- BootNotification ---

type OcppBootNotification struct {
	ChargePointVendor       string `json:"chargePointVendor,omitempty"`
	ChargePointModel        string `json:"chargePointModel,omitempty"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
	MeterType               string `json:"meterType,omitempty"`
	MeterSerialNumber       string `json:"meterSerialNumber,omitempty"`
	Iccid                   string `json:"iccid,omitempty"`
}

type OcppBootNotificationResponse struct {
	Status      string `json:"status"`
	CurrentTime string `json:"currentTime"`
	Interval    int    `json:"interval"`
}

const (
	BootStatus_Accepted = "Accepted"
	BootStatus_Rejected = "Rejected"
	BootStatus_Pending  = "Pending"
)

type OcppHeartBeatAck struct {
	CurrentTime string `json:"currentTime,omitempty"`
}

// --- Authorize / transactions ---

type OcppAuthorize struct {
	IdTag string `json:"idTag,omitempty"`
}

const (
	AuthStatus_Accepted = "Accepted"
	AuthStatus_Blocked  = "Blocked"
	AuthStatus_Invalid  = "Invalid"
)

type IdTagInfo struct {
	Status string `json:"status"`
}

type OcppAuthorizeResponse struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

type OcppStartTransaction struct {
	Timestamp     string `json:"timestamp,omitempty"`
	ConnectorId   int    `json:"connectorId"`
	IdTag         string `json:"idTag,omitempty"`
	MeterStart    int    `json:"meterStart"`
	ReservationId int    `json:"reservationId,omitempty"`
}

type OcppStopTransaction struct {
	Timestamp     string `json:"timestamp,omitempty"`
	TransactionId int64  `json:"transactionId"`
	IdTag         string `json:"idTag,omitempty"`
	MeterStop     int    `json:"meterStop"`
	Reason        string `json:"reason,omitempty"`
}

type OcppTransactionResponse struct {
	TransactionId int64     `json:"transactionId,omitempty"`
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
}

// --- StatusNotification ---

type OcppStatusNotification struct {
	ConnectorId     int    `json:"connectorId"`
	Timestamp       string `json:"timestamp,omitempty"`
	ErrorCode       string `json:"errorCode,omitempty"`
	Status          string `json:"status,omitempty"`
	Info            string `json:"info,omitempty"`
	VendorId        string `json:"vendorId,omitempty"`
	VendorErrorCode string `json:"vendorErrorCode,omitempty"`
}

const (
	Status_Available     = "Available"
	Status_Preparing     = "Preparing"
	Status_Charging      = "Charging"
	Status_Finishing     = "Finishing"
	Status_SuspendedEvse = "SuspendedEVSE"
	Status_Unavailable   = "Unavailable"
	Status_Faulted       = "Faulted"
)

// --- DataTransfer ---

type OcppDataTransfer struct {
	VendorId  string `json:"vendorId,omitempty"`
	MessageId string `json:"messageId,omitempty"`
	Data      string `json:"data,omitempty"`
}

type OcppDataTransferResponse struct {
	Status string `json:"status"`
	Data   string `json:"data,omitempty"`
}

const (
	DataTransfer_Accepted        = "Accepted"
	DataTransfer_Rejected        = "Rejected"
	DataTransfer_UnknownVendorId = "UnknownVendorId"
)

// --- Remote control (bridge) ---

type OcppRemoteStartTransaction struct {
	ConnectorId int    `json:"connectorId,omitempty"`
	IdTag       string `json:"idTag,omitempty"`
}

type OcppGenericStatusResponse struct {
	Status string `json:"status"`
}
