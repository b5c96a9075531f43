package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalslot/booking-engine/notify"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Type: task.Type()}, nil
}

var booked = notify.Event{
	Kind:          notify.EventBooked,
	OccurredAt:    time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	ReservationID: "r1",
	ProviderID:    "P",
	Date:          "2026-03-02",
	Start:         "10:00",
	End:           "10:15",
}

func TestQueue_EnqueuesTaskTypedByKind(t *testing.T) {
	enq := &fakeEnqueuer{}
	q := notify.NewQueue(enq, "")

	require.NoError(t, q.Dispatch(context.Background(), booked))

	require.Len(t, enq.tasks, 1)
	assert.Equal(t, "reservation:booked", enq.tasks[0].Type())
	var decoded notify.Event
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &decoded))
	assert.Equal(t, booked, decoded)
}

func TestFanout_CollectsErrorsButDeliversToAll(t *testing.T) {
	rec := &notify.Recorder{}
	failing := notify.NewQueue(&fakeEnqueuer{err: errors.New("redis down")}, "")

	err := notify.Fanout{failing, rec}.Dispatch(context.Background(), booked)

	assert.Error(t, err)
	assert.Equal(t, []notify.Kind{notify.EventBooked}, rec.Kinds())
}

func TestLog_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	d := notify.Log{Logger: zerolog.New(&buf)}
	require.NoError(t, d.Dispatch(context.Background(), booked))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "reservation:booked", line["event"])
	assert.Equal(t, "r1", line["reservation_id"])
}

func TestServeMux_DecodesAndSkipsRetryOnGarbage(t *testing.T) {
	var got []notify.Event
	mux := notify.NewServeMux(notify.HandlerFunc(func(_ context.Context, e notify.Event) error {
		got = append(got, e)
		return nil
	}), zerolog.Nop())

	task, err := notify.NewTask(booked)
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ReservationID)

	err = mux.ProcessTask(context.Background(), asynq.NewTask(string(notify.EventCancelled), []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
