package audit

import (
	"context"
	"testing"

	"github.com/aristath/execplane/internal/database"
	"github.com/aristath/execplane/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{Path: "file::memory:?cache=shared", Profile: database.ProfileLedger, Name: "test"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRecordAndList(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, domain.AuditEvent{
		EventType: "order_submit",
		ActorID:   "execution-gateway",
		Action:    "submit_order",
		Outcome:   "accepted",
		Details:   `{"client_order_id":"abc123"}`,
	}))

	events, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "order_submit", events[0].EventType)
}

func TestList_DefaultsLimitWhenOutOfRange(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Record(ctx, domain.AuditEvent{EventType: "t", ActorID: "a", Action: "a", Outcome: "ok"}))
	}

	events, err := repo.List(ctx, -1)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}
