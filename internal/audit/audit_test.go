package audit

import (
	"testing"

	"github.com/pallet-run/palletd/internal/store"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := store.Open(":memory:", 0)
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	return db
}

func TestRecordAndRecent(t *testing.T) {
	db := openTestDB(t)
	userID := int64(42)

	require.NoError(t, Record(db, &userID, ActionSubmitTask, map[string]string{"kind": "ask"}, nil))
	require.NoError(t, Record(db, nil, ActionSchedulerFire, nil, nil))

	events, err := Recent(db, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, ActionSchedulerFire, events[0].Action)
	require.Equal(t, ActionSubmitTask, events[1].Action)
	require.NotNil(t, events[1].DetailJSON)
	require.Contains(t, *events[1].DetailJSON, "ask")
}

func TestRecordWithErrorText(t *testing.T) {
	db := openTestDB(t)
	errText := "boom"

	require.NoError(t, Record(db, nil, ActionTimeout, nil, &errText))

	events, err := Recent(db, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, &errText, events[0].ErrorText)
}
