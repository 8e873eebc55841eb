package errlog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"estatesync/server/internal/database"
	"estatesync/server/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupRecorder(t *testing.T) *Recorder {
	t.Helper()
	db, err := database.NewTestDB()
	require.NoError(t, err)
	require.NoError(t, database.MigrateSchema(db))
	t.Cleanup(func() { db.Close() })
	return NewRecorder(db.GetDB(), nil)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("guid", errors.New("missing")), KindValidation},
		{"wrapped reference", fmt.Errorf("block b-1: %w", Reference("builder", errors.New("not found"))), KindReference},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("refused")}, KindTransport},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), KindTransport},
		{"duplicate key", gorm.ErrDuplicatedKey, KindPersistence},
		{"plain", errors.New("boom"), KindPersistence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey)))
	assert.True(t, IsConflict(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.True(t, IsConflict(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.False(t, IsConflict(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}))
	assert.True(t, IsConflict(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsConflict(&pgconn.PgError{Code: "23502"}))
	assert.False(t, IsConflict(errors.New("boom")))
	assert.False(t, IsConflict(nil))
}

func TestRecordDeduplicates(t *testing.T) {
	rec := setupRecorder(t)
	ctx := context.Background()

	failure := Failure{
		RunID:      "run-1",
		ObjectType: models.ObjectBlock,
		ExternalID: "b-7",
		City:       "1",
		Payload:    []byte(`{"id":"b-7"}`),
		Err:        Validation("guid", errors.New("guid is required")),
	}

	first, err := rec.Record(ctx, failure)
	require.NoError(t, err)
	assert.Equal(t, "validation", first.ErrorType)
	assert.Equal(t, "guid", first.Field)
	assert.Equal(t, models.ErrorStatusUnresolved, first.Status)
	assert.Equal(t, 0, first.RetryCount)

	failure.RunID = "run-2"
	second, err := rec.Record(ctx, failure)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.RetryCount)
	assert.Equal(t, "run-2", second.RunID)

	rows, total, err := rec.List(ctx, Filter{ObjectType: models.ObjectBlock})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, rows, 1)
}

func TestRecordTruncatesPayload(t *testing.T) {
	rec := setupRecorder(t)

	payload := []byte(strings.Repeat("я", MaxPayloadBytes))
	row, err := rec.Record(context.Background(), Failure{
		ObjectType: models.ObjectPlot,
		Payload:    payload,
		Err:        Transport(errors.New("status 502")),
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(row.Payload), MaxPayloadBytes)
	assert.True(t, strings.HasPrefix(string(payload), row.Payload))
	assert.Equal(t, "transport", row.ErrorType)
}

func TestResolutionWorkflow(t *testing.T) {
	rec := setupRecorder(t)
	ctx := context.Background()

	row, err := rec.Record(ctx, Failure{
		ObjectType: models.ObjectParking,
		ExternalID: "p-1",
		Err:        Reference("block", errors.New("reference not found")),
	})
	require.NoError(t, err)

	resolved, err := rec.Resolve(ctx, row.ID, "block imported")
	require.NoError(t, err)
	assert.Equal(t, models.ErrorStatusResolved, resolved.Status)
	assert.Equal(t, "block imported", resolved.ResolutionNote)
	assert.NotNil(t, resolved.ResolvedAt)

	_, err = rec.Ignore(ctx, row.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	reopened, err := rec.Reopen(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorStatusUnresolved, reopened.Status)
	assert.Nil(t, reopened.ResolvedAt)

	ignored, err := rec.Ignore(ctx, row.ID, "stale listing")
	require.NoError(t, err)
	assert.Equal(t, models.ErrorStatusIgnored, ignored.Status)

	unresolved, _, err := rec.List(ctx, Filter{Status: models.ErrorStatusUnresolved})
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	_, err = rec.Resolve(ctx, 9999, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordAfterResolveCreatesNewRow(t *testing.T) {
	rec := setupRecorder(t)
	ctx := context.Background()

	failure := Failure{
		ObjectType: models.ObjectVillage,
		ExternalID: "v-1",
		Err:        Validation("name", errors.New("name is required")),
	}
	first, err := rec.Record(ctx, failure)
	require.NoError(t, err)
	_, err = rec.Resolve(ctx, first.ID, "fixed upstream")
	require.NoError(t, err)

	second, err := rec.Record(ctx, failure)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}
