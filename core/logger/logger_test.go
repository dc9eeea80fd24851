package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chartworker/core/logger"
)

type ctxKey struct{}

type stringer string

func (s stringer) String() string { return string(s) }

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.NewFromConfig(logger.Config{Service: "chartworker", Level: "warn", Format: "json"},
		logger.WithOutput(&buf))

	log.Info("dropped")
	log.Warn("kept", logger.TaskType("chart.render"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "chartworker", rec["service"])
	assert.Equal(t, "chart.render", rec["task_type"])
}

func TestContextExtractors(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(
		logger.WithJSONFormatter(),
		logger.WithOutput(&buf),
		logger.WithContextValue("request", ctxKey{}),
	).With(logger.Component("worker"))

	ctx := context.WithValue(context.Background(), ctxKey{}, "r-1")
	log.InfoContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "r-1", rec["request"])
	assert.Equal(t, "worker", rec["component"])
}

func TestAttrs(t *testing.T) {
	t.Parallel()

	t.Run("nil values produce empty attrs", func(t *testing.T) {
		t.Parallel()
		assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
		assert.True(t, logger.Errors(nil, nil).Equal(slog.Attr{}))
		assert.True(t, logger.TaskID(uuid.Nil).Equal(slog.Attr{}))
		assert.True(t, logger.OwnerID("").Equal(slog.Attr{}))
	})

	t.Run("errors keep their position", func(t *testing.T) {
		t.Parallel()
		attr := logger.Errors(nil, errors.New("boom"))
		require.Equal(t, "errors", attr.Key)
		group := attr.Value.Group()
		require.Len(t, group, 1)
		assert.Equal(t, "1", group[0].Key)
	})

	t.Run("attempt group", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(logger.WithJSONFormatter(), logger.WithOutput(&buf))
		log.Info("retrying", logger.Attempt(2, 3), logger.Lane(stringer("high")))

		var rec struct {
			Attempt struct{ Number, Max int }
			Lane    string
		}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, 2, rec.Attempt.Number)
		assert.Equal(t, 3, rec.Attempt.Max)
		assert.Equal(t, "high", rec.Lane)
	})

	t.Run("levels", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, slog.LevelDebug, logger.ParseLevel("DEBUG"))
		assert.Equal(t, slog.LevelWarn, logger.ParseLevel("warning"))
		assert.Equal(t, slog.LevelInfo, logger.ParseLevel("verbose"))
	})
}
