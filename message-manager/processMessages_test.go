package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mqmodels "sw/ocpp/gateway/internal/models/mq"
	tablemodels "sw/ocpp/gateway/internal/models/table"
	table "sw/ocpp/gateway/internal/table"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTable struct {
	entities [][]byte
	err      error
}

func (f *fakeTable) AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	if f.err != nil {
		return aztables.AddEntityResponse{}, f.err
	}
	f.entities = append(f.entities, entity)
	return aztables.AddEntityResponse{}, nil
}

func envelope(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(mqmodels.MqMessageEnvelope{
		ServerNode:  "node-1",
		Client:      "T1~CS-1",
		Kind:        "station",
		Direction:   "in",
		MessageTime: "2024-09-27T09:00:00.000Z",
		Body:        `[2,"1","Heartbeat",{}]`,
	})
	require.NoError(t, err)
	return data
}

func TestFrameProcessorStores(t *testing.T) {
	store := &fakeTable{}
	p := &frameProcessor{archive: table.NewArchive(store)}

	p.Process(context.Background(), envelope(t))

	require.Len(t, store.entities, 1)
	var entity tablemodels.TableMessageEntity
	require.NoError(t, json.Unmarshal(store.entities[0], &entity))
	assert.Equal(t, "T1~CS-1", entity.PartitionKey)
	assert.Equal(t, "node-1", entity.ServerNode)
	assert.Equal(t, `[2,"1","Heartbeat",{}]`, entity.Body)
	assert.Equal(t, int64(1), p.stored.Load())
	assert.Zero(t, p.failed.Load())
}

func TestFrameProcessorCountsFailures(t *testing.T) {
	store := &fakeTable{err: errors.New("throttled")}
	p := &frameProcessor{archive: table.NewArchive(store)}

	p.Process(context.Background(), envelope(t))
	p.Process(context.Background(), []byte("not json"))

	assert.Empty(t, store.entities)
	assert.Zero(t, p.stored.Load())
	assert.Equal(t, int64(2), p.failed.Load())
}

func TestProcessNotifyMessage(t *testing.T) {
	assert.NotPanics(t, func() {
		ProcessNotifyMessage([]byte(`{"serverNode":"node-1","notifyType":"ClientConnected","client":"T1~CS-1","kind":"station"}`))
		ProcessNotifyMessage([]byte(`garbage`))
	})
}

func TestListCommandArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"list"})
	assert.Error(t, cmd.Execute())
}
