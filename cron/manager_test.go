package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-edge/config"
	"github.com/saiset-co/sai-edge/logger"
	"github.com/saiset-co/sai-edge/metrics"
	"github.com/saiset-co/sai-edge/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return newManager(context.Background(), time.UTC, logger.NewNop(), metrics.NewNop())
}

func noop(context.Context) error { return nil }

func TestAddValidates(t *testing.T) {
	m := newTestManager(t)

	assert.ErrorIs(t, m.Add("", "@every 1m", noop), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, m.Add("sync", "@every 1m", nil), types.ErrCronJobIsNil)
	assert.ErrorIs(t, m.Add("sync", "every minute please", noop), types.ErrCronExpressionInvalid)

	require.NoError(t, m.Add("sync", "@every 1m", noop))
	assert.ErrorIs(t, m.Add("sync", "@every 1m", noop), types.ErrCronJobExists)
}

func TestAcceptsFiveAndSixFieldSpecs(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Add("five", "*/5 * * * *", noop))
	require.NoError(t, m.Add("six", "0 */5 * * * *", noop))

	jobs := m.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "five", jobs[0].Name)
	assert.Equal(t, "six", jobs[1].Name)
}

func TestRemove(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Add("sync", "@every 1m", noop))
	require.NoError(t, m.Remove("sync"))
	assert.Empty(t, m.Jobs())
	assert.ErrorIs(t, m.Remove("sync"), types.ErrCronJobNotFound)
}

func TestScheduledJobRuns(t *testing.T) {
	m := newTestManager(t)

	var runs atomic.Int32
	require.NoError(t, m.Add("tick", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("origin unreachable")
	}))

	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), types.ErrServerAlreadyRunning)

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())

	jobs := m.Jobs()
	require.Len(t, jobs, 1)
	assert.GreaterOrEqual(t, jobs[0].RunCount, int64(1))
	assert.Equal(t, "origin unreachable", jobs[0].LastError)
	assert.False(t, jobs[0].LastRun.IsZero())
}

func TestNewManagerRejectsUnknownTimezone(t *testing.T) {
	cfg := config.NewLoader().Defaults()
	cfg.Cron = &types.CronConfig{Timezone: "Mars/Olympus_Mons"}

	cm, err := config.NewStaticManager(context.Background(), cfg)
	require.NoError(t, err)

	_, err = NewManager(context.Background(), cm, logger.NewNop(), metrics.NewNop())
	assert.ErrorIs(t, err, types.ErrConfigParseFailed)

	cfg.Cron.Timezone = "America/Sao_Paulo"
	m, err := NewManager(context.Background(), cm, logger.NewNop(), metrics.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "America/Sao_Paulo", m.timezone.String())
}
