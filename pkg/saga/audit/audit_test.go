// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package audit

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/innovationmech/docflow/pkg/saga"
)

func setupTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	cleanup := func() {
		sqlDB.Close()
	}

	return gormDB, mock, cleanup
}

func sampleTransition() saga.TransitionRecord {
	return saga.TransitionRecord{
		CorrelationID:  "gen-1",
		Family:         saga.FamilyGeneration,
		From:           saga.StateCreated,
		To:             saga.StateInProgress,
		Phase:          "outline",
		EventType:      "GeneratedDocumentCreated",
		EventID:        "evt-1",
		IdempotencyKey: "key-1",
		Version:        2,
		At:             time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewSink(t *testing.T) {
	_, err := NewSink(nil, Options{})
	assert.Error(t, err)

	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	sink, err := NewSink(db, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions().QueueSize, cap(sink.queue))
	require.NoError(t, sink.Close())
}

func TestTransitionRecord_RoundTrip(t *testing.T) {
	rec := sampleTransition()
	row := FromTransition(rec)
	assert.Equal(t, "saga_transitions", row.TableName())
	assert.Equal(t, "InProgress", row.ToState)
	assert.Equal(t, rec, row.Transition())
}

func TestSink_OnTransition(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock, saga.TransitionRecord)
	}{
		{
			name: "success_insert",
			setupMock: func(mock sqlmock.Sqlmock, rec saga.TransitionRecord) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `saga_transitions`")).
					WithArgs(
						rec.CorrelationID,
						string(rec.Family),
						string(rec.From),
						string(rec.To),
						rec.Phase,
						rec.EventType,
						rec.EventID,
						rec.IdempotencyKey,
						rec.Reason,
						rec.Version,
						rec.At,
						sqlmock.AnyArg(), // CreatedAt
					).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "error_database_failure_is_logged",
			setupMock: func(mock sqlmock.Sqlmock, _ saga.TransitionRecord) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `saga_transitions`")).
					WillReturnError(errors.New("database connection failed"))
				mock.ExpectRollback()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, cleanup := setupTestDB(t)
			defer cleanup()

			rec := sampleTransition()
			tt.setupMock(mock, rec)

			sink, err := NewSink(db, Options{})
			require.NoError(t, err)

			sink.OnTransition(context.Background(), nil, rec)
			require.NoError(t, sink.Close())

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSink_RecordAfterClose(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	sink, err := NewSink(db, Options{})
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	assert.ErrorIs(t, sink.Record(sampleTransition()), ErrSinkClosed)
}

func TestSink_Transitions(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "correlation_id", "family", "from_state", "to_state", "phase",
		"event_type", "event_id", "idempotency_key", "reason", "version", "occurred_at", "created_at",
	}).
		AddRow(1, "gen-1", "generation", "", "Created", "", "GenerateDocumentRequested", "e0", "k0", "", 1, at, at).
		AddRow(2, "gen-1", "generation", "Created", "InProgress", "outline", "GeneratedDocumentCreated", "e1", "k1", "", 2, at, at)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `saga_transitions` WHERE correlation_id = ?")).
		WithArgs("gen-1").
		WillReturnRows(rows)

	sink, err := NewSink(db, Options{})
	require.NoError(t, err)
	defer sink.Close()

	got, err := sink.Transitions(context.Background(), "gen-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, saga.StateCreated, got[0].To)
	assert.Equal(t, saga.StateInProgress, got[1].To)
	assert.Equal(t, int64(2), got[1].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
