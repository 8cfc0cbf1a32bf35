package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sw/ocpp/gateway/internal/helpers"
	log "sw/ocpp/gateway/internal/logging"
	mqmodels "sw/ocpp/gateway/internal/models/mq"
	tablemodels "sw/ocpp/gateway/internal/models/table"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"
)

// Reference: https://pkg.go.dev/github.com/Azure/azure-sdk-for-go/sdk/data/aztables#section-readme

const tableAlreadyExists = "TableAlreadyExists"

// EntityAdder is the slice of *aztables.Client the archive writes through.
type EntityAdder interface {
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
}

func GetTableClient(tableName string, accountName string, accountKey string) (*aztables.Client, error) {
	cred, err := aztables.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, err
	}
	serviceURL := fmt.Sprintf("https://%s.table.core.windows.net/%s", accountName, tableName)

	return aztables.NewClientWithSharedKey(serviceURL, cred, nil)
}

// CreateTable creates the client's table; an existing table is not an error.
func CreateTable(ctx context.Context, client *aztables.Client) error {
	_, err := client.CreateTable(ctx, nil)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.ErrorCode == tableAlreadyExists {
		return nil
	}
	return err
}

// keys may not contain / \ # ? or control characters
var keyReplacer = strings.NewReplacer("/", "_", "\\", "_", "#", "_", "?", "_")

// ToEntity maps an envelope to a Messages row: one partition per client, rows
// ordered by message time and made unique with a random suffix.
func ToEntity(env mqmodels.MqMessageEnvelope) tablemodels.TableMessageEntity {
	ts, err := time.Parse(helpers.DateFormatMs, env.MessageTime)
	if err != nil {
		ts = helpers.Now().UTC()
	}
	partition := env.Client
	if partition == "" {
		partition = "unknown"
	}
	return tablemodels.TableMessageEntity{
		Entity: aztables.Entity{
			PartitionKey: keyReplacer.Replace(partition),
			RowKey:       fmt.Sprintf("%013d_%s", ts.UnixMilli(), uuid.NewString()[:8]),
		},
		ServerNode:  env.ServerNode,
		Kind:        env.Kind,
		Direction:   env.Direction,
		MessageTime: env.MessageTime,
		Body:        env.Body,
	}
}

// Archive stores OCPP frame envelopes in table storage.
type Archive struct {
	client EntityAdder
}

func NewArchive(client EntityAdder) *Archive {
	return &Archive{client: client}
}

func (a *Archive) Store(ctx context.Context, env mqmodels.MqMessageEnvelope) error {
	marshalled, err := json.Marshal(ToEntity(env))
	if err != nil {
		return err
	}

	log.Logger.Debugf("body: %s", marshalled)
	_, err = a.client.AddEntity(ctx, marshalled, nil)
	return err
}

// StoreRaw decodes a MessagesIn payload and stores it.
func (a *Archive) StoreRaw(ctx context.Context, payload []byte) error {
	var env mqmodels.MqMessageEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return a.Store(ctx, env)
}

// QueryMessages returns up to top archived frames for one client, oldest first.
func QueryMessages(ctx context.Context, client *aztables.Client, clientKey string, top int32) ([]tablemodels.TableMessageEntity, error) {
	filter := fmt.Sprintf("PartitionKey eq '%v'", strings.ReplaceAll(keyReplacer.Replace(clientKey), "'", "''"))
	options := &aztables.ListEntitiesOptions{
		Filter: &filter,
		Top:    to.Ptr(top),
	}

	var results []tablemodels.TableMessageEntity
	pager := client.NewListEntitiesPager(options)
	for pager.More() && int32(len(results)) < top {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, entity := range resp.Entities {
			var myEntity tablemodels.TableMessageEntity
			if err := json.Unmarshal(entity, &myEntity); err != nil {
				return nil, err
			}
			results = append(results, myEntity)
		}
	}

	return results, nil
}
