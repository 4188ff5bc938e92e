package logging

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Level(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, New("debug", "development").GetLevel())
	assert.Equal(t, logrus.InfoLevel, New("chatty", "development").GetLevel())

	_, isJSON := New("info", "production").Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
}

func TestTemporalLogger_KeyValues(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tl := NewTemporalLogger(logger)

	tl.With("WorkflowID", "reservation-sweep").Info("started", "Attempt", 2, "dangling")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "started", entry.Message)
	assert.Equal(t, "temporal", entry.Data["component"])
	assert.Equal(t, "reservation-sweep", entry.Data["WorkflowID"])
	assert.Equal(t, 2, entry.Data["Attempt"])
	assert.Equal(t, "(missing)", entry.Data["dangling"])
}

func TestWatermillLogger_Error(t *testing.T) {
	logger, hook := test.NewNullLogger()
	wl := NewWatermillLogger(logger).With(watermill.LogFields{"topic": "booking-notifications"})

	wl.Error("publish failed", errors.New("redis down"), watermill.LogFields{"message_uuid": "abc"})

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "booking-notifications", entry.Data["topic"])
	assert.Equal(t, "abc", entry.Data["message_uuid"])
	assert.EqualError(t, entry.Data[logrus.ErrorKey].(error), "redis down")
}
