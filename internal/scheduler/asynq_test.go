package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickInterval(t *testing.T) {
	from := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	d, err := tickInterval("*/30 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute-time.Second, d)

	d, err = tickInterval("0 3 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour-time.Second, d)

	_, err = tickInterval("not a spec", from)
	assert.Error(t, err)
}

func TestAsynqTrigger_HandleSweep(t *testing.T) {
	sweeper := &countingSweeper{}
	trigger := NewAsynqTrigger(asynq.RedisClientOpt{Addr: "localhost:6379"}, "*/30 * * * *", sweeper, discardLogger())

	err := trigger.HandleSweep(context.Background(), asynq.NewTask(TaskSweep, nil))
	require.NoError(t, err)
	assert.Equal(t, int32(1), sweeper.calls.Load())
}
