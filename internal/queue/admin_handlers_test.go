package queue_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-adyen/internal/queue"
)

func deadEntry(t *testing.T, store *memoryStore, kind string, payload string) queue.DLQEntry {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"kind": kind, "payload": []byte(payload), "attempt": 3, "max_attempts": 3})
	require.NoError(t, err)
	id, err := store.InsertQueueDlq(context.Background(), queue.DLQEntry{Kind: kind, Payload: raw, Attempts: 3})
	require.NoError(t, err)
	entry, err := store.GetQueueDlq(context.Background(), id)
	require.NoError(t, err)
	return entry
}

func TestAdminListDLQ(t *testing.T) {
	store := newMemoryStore()
	deadEntry(t, store, "adyen", `{"eventCode":"capture"}`)
	deadEntry(t, store, "other", `{}`)
	h := &queue.AdminHandler{Store: store, Queue: queue.Enqueuer{R: newRedis(t)}, Logger: zerolog.Nop()}

	rec := httptest.NewRecorder()
	h.ListDLQ(rec, httptest.NewRequest(http.MethodGet, "/admin/queue/dlq?kind=adyen", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []struct {
			Kind    string          `json:"kind"`
			Payload json.RawMessage `json:"payload"`
		} `json:"data"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	require.Len(t, body.Data, 1)
	require.JSONEq(t, `{"eventCode":"capture"}`, string(body.Data[0].Payload))
}

func TestAdminReplayDLQ(t *testing.T) {
	client := newRedis(t)
	store := newMemoryStore()
	entry := deadEntry(t, store, "adyen", `{"eventCode":"refund"}`)
	enq := queue.Enqueuer{R: client, Prefix: "admin"}
	h := &queue.AdminHandler{Store: store, Queue: enq, Logger: zerolog.Nop()}

	body := `{"ids":["` + entry.ID.String() + `","not-a-uuid"]}`
	rec := httptest.NewRecorder()
	h.ReplayDLQ(rec, httptest.NewRequest(http.MethodPost, "/admin/queue/dlq/replay", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Replayed []string          `json:"replayed"`
		Failed   map[string]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{entry.ID.String()}, resp.Replayed)
	require.Equal(t, "invalid uuid", resp.Failed["not-a-uuid"])
	require.Empty(t, store.all())

	depth, err := enq.Depth(context.Background(), "adyen")
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestAdminReplayRequiresSelector(t *testing.T) {
	h := &queue.AdminHandler{Store: newMemoryStore(), Queue: queue.Enqueuer{R: newRedis(t)}, Logger: zerolog.Nop()}
	rec := httptest.NewRecorder()
	h.ReplayDLQ(rec, httptest.NewRequest(http.MethodPost, "/admin/queue/dlq/replay", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminStats(t *testing.T) {
	client := newRedis(t)
	store := newMemoryStore()
	deadEntry(t, store, "adyen", `{}`)
	enq := queue.Enqueuer{R: client, Prefix: "stats"}
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "adyen", Payload: []byte("x")}))
	h := &queue.AdminHandler{Store: store, Queue: enq, Logger: zerolog.Nop()}

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/admin/queue/stats?kind=adyen", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 1, resp["ready"])
	require.EqualValues(t, 1, resp["dlq"])

	rec = httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/admin/queue/stats", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
