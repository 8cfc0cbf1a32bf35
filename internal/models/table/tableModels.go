package table

import "github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

// Messages table entity; PartitionKey is the client key, RowKey orders frames within it
type TableMessageEntity struct {
	aztables.Entity
	ServerNode  string `json:"serverNode"`
	Kind        string `json:"kind"`
	Direction   string `json:"direction"`
	MessageTime string `json:"messageTime"`
	Body        string `json:"body"`
}
