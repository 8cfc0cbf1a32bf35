package mq

// MqMessageEnvelope carries one OCPP frame seen by a gateway node.
type MqMessageEnvelope struct {
	ServerNode  string `json:"serverNode"`
	Client      string `json:"client"`
	Kind        string `json:"kind"`
	Direction   string `json:"direction"`
	MessageTime string `json:"messageTime"`
	Body        string `json:"body"`
}

type MqNotifyConnectionChange struct {
	QueuedTime string `json:"queuedTime"`
	ServerNode string `json:"serverNode"`
	NotifyType string `json:"notifyType"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
	Client     string `json:"client,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
