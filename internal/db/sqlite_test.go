package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newSQLiteRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	sqlDB, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return NewSQLiteRepository(sqlDB, zap.NewNop())
}

func newRecord(userID uuid.UUID, status Status, created time.Time) *Notification {
	c, _ := NewContext(map[string]any{"property_title": "Villa", "amount": 1500.0})
	return &Notification{
		ID:        uuid.New(),
		UserID:    userID,
		EventType: "payment_success",
		Status:    status,
		Context:   c,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestSQLiteRepository_InsertGet(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)

	want := newRecord(uuid.New(), StatusSent, now)
	sent := now.Add(time.Second)
	want.SentAt = &sent
	want.Context.DeliveryToken = "msg-1"

	if err := repo.Insert(ctx, want); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := repo.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Numbers come back as json.Number.
	opts := cmp.Options{cmpopts.IgnoreFields(Notification{}, "Context")}
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if got.Context.DeliveryToken != "msg-1" {
		t.Errorf("DeliveryToken = %q", got.Context.DeliveryToken)
	}
	if got.Context.Values["property_title"] != "Villa" {
		t.Errorf("Values = %v", got.Context.Values)
	}
}

func TestSQLiteRepository_GetMissing(t *testing.T) {
	repo := newSQLiteRepo(t)
	_, err := repo.Get(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteRepository_UpdateAttemptsNeverDecrease(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()
	rec := newRecord(uuid.New(), StatusFailed, time.Now())
	if err := repo.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rec.Attempts = 2
	if err := repo.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	stale := *rec
	stale.Attempts = 1
	if err := repo.Update(ctx, &stale); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if stale.Attempts != 2 {
		t.Errorf("returned attempts = %d, want 2", stale.Attempts)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Attempts != 2 {
		t.Errorf("stored attempts = %d, want 2", got.Attempts)
	}
}

func TestSQLiteRepository_ClaimAttempt(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()
	rec := newRecord(uuid.New(), StatusFailed, time.Now())
	rec.Attempts = 1
	if err := repo.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	first := *rec
	second := *rec
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	ok, err := repo.ClaimAttempt(ctx, &first, at)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v; want true, nil", ok, err)
	}
	if first.Attempts != 2 || !first.UpdatedAt.Equal(at) {
		t.Errorf("first claim left attempts=%d updated_at=%v", first.Attempts, first.UpdatedAt)
	}

	// Same snapshot, second pass: the stored count moved on.
	ok, err = repo.ClaimAttempt(ctx, &second, at)
	if err != nil || ok {
		t.Fatalf("stale claim = %v, %v; want false, nil", ok, err)
	}
	if second.Attempts != 1 {
		t.Errorf("stale claim changed attempts to %d", second.Attempts)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Attempts != 2 {
		t.Errorf("stored attempts = %d, want 2", got.Attempts)
	}
}

func TestSQLiteRepository_ClaimAttemptRequiresFailed(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()
	rec := newRecord(uuid.New(), StatusSent, time.Now())
	if err := repo.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ok, err := repo.ClaimAttempt(ctx, rec, time.Now())
	if err != nil || ok {
		t.Fatalf("claim on SENT = %v, %v; want false, nil", ok, err)
	}
}

func TestSQLiteRepository_ClaimAttemptError(t *testing.T) {
	sqlDB, mock, _ := sqlmock.New()
	defer func() { _ = sqlDB.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE notifications`)).
		WillReturnError(errors.New("database is locked"))

	repo := NewSQLiteRepository(sqlDB, zap.NewNop())
	_, err := repo.ClaimAttempt(context.Background(), newRecord(uuid.New(), StatusFailed, time.Now()), time.Now())
	if err == nil || !regexp.MustCompile(`claim attempt: database is locked`).MatchString(err.Error()) {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLiteRepository_UpdateMissing(t *testing.T) {
	repo := newSQLiteRepo(t)
	err := repo.Update(context.Background(), newRecord(uuid.New(), StatusSent, time.Now()))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteRepository_Query(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	alice, bob := uuid.New(), uuid.New()

	r1 := newRecord(alice, StatusFailed, base.Add(2*time.Minute))
	r2 := newRecord(alice, StatusFailed, base.Add(1*time.Minute))
	r2.Attempts = 3
	r3 := newRecord(bob, StatusFailed, base)
	r4 := newRecord(bob, StatusSent, base.Add(3*time.Minute))
	r4.EventType = "tenant_update"
	for _, r := range []*Notification{r1, r2, r3, r4} {
		if err := repo.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	ids := func(ns []*Notification) []uuid.UUID {
		out := make([]uuid.UUID, 0, len(ns))
		for _, n := range ns {
			out = append(out, n.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter Filter
		limit  int
		want   []uuid.UUID
	}{
		{"retry candidates oldest first", Filter{Status: StatusFailed, AttemptsLT: 3}, 10, []uuid.UUID{r3.ID, r1.ID}},
		{"by user", Filter{UserID: &alice}, 10, []uuid.UUID{r2.ID, r1.ID}},
		{"by event", Filter{EventType: "tenant_update"}, 10, []uuid.UUID{r4.ID}},
		{"limit", Filter{}, 2, []uuid.UUID{r3.ID, r2.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.Query(ctx, tt.filter, tt.limit)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if diff := cmp.Diff(tt.want, ids(got)); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSQLiteRepository_InsertError(t *testing.T) {
	sqlDB, mock, _ := sqlmock.New()
	defer func() { _ = sqlDB.Close() }()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO notifications`)).
		WillReturnError(errors.New("disk I/O error"))

	repo := NewSQLiteRepository(sqlDB, zap.NewNop())
	err := repo.Insert(context.Background(), newRecord(uuid.New(), StatusFailed, time.Now()))
	if err == nil || !regexp.MustCompile(`insert notification: disk I/O error`).MatchString(err.Error()) {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLiteRepository_UpdateNoRows(t *testing.T) {
	sqlDB, mock, _ := sqlmock.New()
	defer func() { _ = sqlDB.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE notifications`)).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}))

	repo := NewSQLiteRepository(sqlDB, zap.NewNop())
	err := repo.Update(context.Background(), newRecord(uuid.New(), StatusSent, time.Now()))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLiteRepository_GetScansRow(t *testing.T) {
	sqlDB, mock, _ := sqlmock.New()
	defer func() { _ = sqlDB.Close() }()

	id, userID := uuid.New(), uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id`)).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "event_type", "status", "attempts",
			"context", "sent_at", "created_at", "updated_at",
		}).AddRow(
			id.String(), userID.String(), "listing_approved", "FAILED", 2,
			`{"location":"Bole","delivery_token":"tok"}`, nil,
			"2026-03-01T00:00:00.000000000Z", "2026-03-01T00:05:00.000000000Z",
		))

	repo := NewSQLiteRepository(sqlDB, zap.NewNop())
	got, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	want := &Notification{
		ID:        id,
		UserID:    userID,
		EventType: "listing_approved",
		Status:    StatusFailed,
		Attempts:  2,
		Context:   Context{Values: map[string]any{"location": "Bole"}, DeliveryToken: "tok"},
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
