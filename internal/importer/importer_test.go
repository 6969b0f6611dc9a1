package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/rekindle/internal/activity"
	"github.com/foxzi/rekindle/internal/db"
	"github.com/foxzi/rekindle/internal/models"
	"github.com/foxzi/rekindle/internal/repository"
)

type testEnv struct {
	service *Service
	members *repository.MemberRepository
	events  *repository.EventRepository
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchDelay = 0
	return cfg
}

// newTestEnv wires the service to an in-memory database. wrap, when set,
// decorates the member store.
func newTestEnv(t *testing.T, cfg Config, wrap func(MemberStore) MemberStore) *testEnv {
	t.Helper()

	d, err := db.Open(context.Background(), db.DriverSQLite, db.MemoryDSN)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	members := repository.NewMemberRepository(d)
	events := repository.NewEventRepository(d)
	logger := testLogger()

	var store MemberStore = members
	if wrap != nil {
		store = wrap(members)
	}

	svc := New(context.Background(), Options{
		Store:    store,
		Activity: activity.NewLogger(events, logger, time.Second),
		Monitor:  activity.NewMonitor(events, activity.DefaultAlertConfig(), logger),
		Config:   cfg,
		Logger:   logger,
	})

	return &testEnv{service: svc, members: members, events: events}
}

func (e *testEnv) eventTypes(t *testing.T, owner string) []models.EventType {
	t.Helper()
	events, err := e.events.ListSince(context.Background(), models.EventFilter{OwnerID: owner})
	if err != nil {
		t.Fatalf("ListSince failed: %v", err)
	}
	types := make([]models.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func importErr(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind.Code())
	}
	var ie *Error
	if !errors.As(err, &ie) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if ie.Kind != kind {
		t.Fatalf("expected %s, got %s (%v)", kind.Code(), ie.Code(), ie)
	}
	return ie
}

func boolPtr(b bool) *bool {
	return &b
}

func TestImportSuccess(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()

	res, err := env.service.Import(ctx, Request{
		OwnerID: "owner-1",
		CSVData: "name,email,status\nJohn,j@x.com,active\nJane,jane@x.com,inactive",
	})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	if res.Imported != 2 || res.TotalParsed != 2 || res.Duplicates != 0 || res.BatchesProcessed != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Skipped != 0 || res.BatchSize != DefaultBatchSize {
		t.Errorf("unexpected skipped/batch size %+v", res)
	}
	if res.RateLimit.Remaining != 4 {
		t.Errorf("expected 4 remaining imports, got %d", res.RateLimit.Remaining)
	}
	if res.Message() != "Successfully imported 2 members" {
		t.Errorf("unexpected message %q", res.Message())
	}

	counts, err := env.members.CountByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("CountByOwner failed: %v", err)
	}
	if counts.Total != 2 || counts.Active != 1 || counts.Inactive != 1 {
		t.Errorf("unexpected counts %+v", counts)
	}

	types := env.eventTypes(t, "owner-1")
	if len(types) != 2 || types[0] != models.EventImportStart || types[1] != models.EventImportSuccess {
		t.Errorf("expected start and success events, got %v", types)
	}
}

func TestImportSkipsDuplicatesAcrossImports(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()

	if _, err := env.service.Import(ctx, Request{OwnerID: "owner-1", CSVData: "email\na@x.com"}); err != nil {
		t.Fatalf("first import failed: %v", err)
	}

	res, err := env.service.Import(ctx, Request{
		OwnerID: "owner-1",
		CSVData: "email,discord\na@x.com,\nb@x.com,\nb@x.com,\n,user#1\nc@x.com,",
	})
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}

	// a@x.com stored, second b@x.com repeats the first
	if res.Imported != 3 || res.Duplicates != 2 || res.TotalParsed != 5 || res.Skipped != 2 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestImportAllDuplicates(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()
	csv := "email\na@x.com\nb@x.com"

	if _, err := env.service.Import(ctx, Request{OwnerID: "owner-1", CSVData: csv}); err != nil {
		t.Fatalf("first import failed: %v", err)
	}

	_, err := env.service.Import(ctx, Request{OwnerID: "owner-1", CSVData: csv})
	ie := importErr(t, err, KindAllDuplicates)
	if ie.HTTPStatus() != http.StatusBadRequest || ie.Message != "All members already exist" {
		t.Errorf("unexpected error %v", ie)
	}
	details, ok := ie.Details.(map[string]int)
	if !ok || details["total_parsed"] != 2 || details["duplicates"] != 2 {
		t.Errorf("unexpected details %#v", ie.Details)
	}

	types := env.eventTypes(t, "owner-1")
	if types[len(types)-1] != models.EventImportError {
		t.Errorf("expected trailing import_error event, got %v", types)
	}
}

func TestImportWithoutDedup(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()

	res, err := env.service.Import(ctx, Request{
		OwnerID: "owner-1",
		CSVData: "email\na@x.com\na@x.com",
		Options: ImportOptions{SkipDuplicates: boolPtr(false)},
	})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Imported != 2 || res.Duplicates != 0 {
		t.Errorf("expected both rows stored, got %+v", res)
	}
}

func TestImportDuplicatesScopedToOwner(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()

	if _, err := env.service.Import(ctx, Request{OwnerID: "owner-1", CSVData: "email\na@x.com"}); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	res, err := env.service.Import(ctx, Request{OwnerID: "owner-2", CSVData: "email\na@x.com"})
	if err != nil {
		t.Fatalf("import for second owner failed: %v", err)
	}
	if res.Imported != 1 {
		t.Errorf("expected 1 imported, got %d", res.Imported)
	}
}

func TestImportBatching(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	var sb strings.Builder
	sb.WriteString("email\n")
	for i := 0; i < 2500; i++ {
		fmt.Fprintf(&sb, "user%d@x.com\n", i)
	}

	res, err := env.service.Import(context.Background(), Request{
		OwnerID: "owner-1",
		CSVData: sb.String(),
		Options: ImportOptions{BatchSize: 5000},
	})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.BatchSize != MaxBatchSize || res.BatchesProcessed != 3 || res.Imported != 2500 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestImportInvalidDates(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	res, err := env.service.Import(context.Background(), Request{
		OwnerID: "owner-1",
		CSVData: "email,last_active\na@x.com,2024-01-15\nb@x.com,yesterday",
	})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Imported != 2 || res.InvalidDates != 1 {
		t.Errorf("unexpected result %+v", res)
	}

	members, err := env.members.ListByOwner(context.Background(), "owner-1", 10)
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	var withDate int
	for _, m := range members {
		if m.LastActiveAt != nil {
			withDate++
		}
	}
	if withDate != 1 {
		t.Errorf("expected one member with last active date, got %d", withDate)
	}
}

func TestImportRejections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMembersPerImport = 3

	tests := []struct {
		name   string
		req    Request
		kind   Kind
		status int
		msg    string
	}{
		{
			name:   "missing owner",
			req:    Request{CSVData: "email\na@x.com"},
			kind:   KindUnauthenticated,
			status: http.StatusUnauthorized,
			msg:    "Authentication required",
		},
		{
			name:   "missing csv",
			req:    Request{OwnerID: "owner-1"},
			kind:   KindInvalidInput,
			status: http.StatusBadRequest,
			msg:    "CSV data is required",
		},
		{
			name:   "too large",
			req:    Request{OwnerID: "owner-1", CSVData: "email\na@x.com\nb@x.com\nc@x.com\nd@x.com"},
			kind:   KindTooLarge,
			status: http.StatusBadRequest,
			msg:    "Too many members. Maximum 3 members per import.",
		},
		{
			name:   "parse error",
			req:    Request{OwnerID: "owner-1", CSVData: "email\n\"a@x.com"},
			kind:   KindCSVParse,
			status: http.StatusBadRequest,
			msg:    "Failed to parse CSV data",
		},
		{
			name:   "header only",
			req:    Request{OwnerID: "owner-1", CSVData: "email,name\n"},
			kind:   KindCSVParse,
			status: http.StatusBadRequest,
			msg:    "Failed to parse CSV data",
		},
		{
			name:   "no contacts",
			req:    Request{OwnerID: "owner-1", CSVData: "name,email\nJane\nJohn,  "},
			kind:   KindNoValidMembers,
			status: http.StatusBadRequest,
			msg:    "No members with valid email or Discord ID found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, cfg, nil)

			res, err := env.service.Import(context.Background(), tt.req)
			if res != nil {
				t.Errorf("expected nil result, got %+v", res)
			}
			ie := importErr(t, err, tt.kind)
			if ie.HTTPStatus() != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, ie.HTTPStatus())
			}
			if ie.Message != tt.msg {
				t.Errorf("expected message %q, got %q", tt.msg, ie.Message)
			}

			count, err := env.members.CountAll(context.Background())
			if err != nil {
				t.Fatalf("CountAll failed: %v", err)
			}
			if count != 0 {
				t.Errorf("rejected import stored %d members", count)
			}
		})
	}
}

func TestImportParseErrorDetails(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	_, err := env.service.Import(context.Background(), Request{OwnerID: "owner-1", CSVData: "email\n\"a@x.com"})
	ie := importErr(t, err, KindCSVParse)

	diags, ok := ie.Details.([]Diagnostic)
	if !ok || len(diags) == 0 {
		t.Fatalf("expected diagnostics, got %#v", ie.Details)
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Error("expected wrapped *ParseError")
	}
}

func TestImportUnauthenticatedNotRecorded(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	_, err := env.service.Import(context.Background(), Request{CSVData: "email\na@x.com"})
	importErr(t, err, KindUnauthenticated)

	events, err := env.events.ListSince(context.Background(), models.EventFilter{})
	if err != nil {
		t.Fatalf("ListSince failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestImportRateLimited(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.service.Import(ctx, Request{
			OwnerID: "owner-1",
			CSVData: fmt.Sprintf("email\nuser%d@x.com", i),
		})
		if err != nil {
			t.Fatalf("import %d failed: %v", i+1, err)
		}
	}

	_, err := env.service.Import(ctx, Request{OwnerID: "owner-1", CSVData: "email\nlate@x.com"})
	ie := importErr(t, err, KindRateLimited)
	if ie.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", ie.HTTPStatus())
	}
	if ie.RetryAfter <= 0 || ie.RetryAfter > 3600 {
		t.Errorf("unexpected retry after %d", ie.RetryAfter)
	}
	if ie.Message != "Rate limit exceeded. Maximum 5 imports per hour." {
		t.Errorf("unexpected message %q", ie.Message)
	}

	// the limit is per caller
	if _, err := env.service.Import(ctx, Request{OwnerID: "owner-2", CSVData: "email\nlate@x.com"}); err != nil {
		t.Errorf("other owner should not be limited: %v", err)
	}

	count, _ := env.members.CountAll(ctx)
	if count != 6 {
		t.Errorf("expected 6 stored members, got %d", count)
	}
}

func TestImportFailedAttemptsCountTowardLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxImportsPerHour = 2
	env := newTestEnv(t, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := env.service.Import(ctx, Request{OwnerID: "owner-1", CSVData: "name\nnobody"})
		importErr(t, err, KindNoValidMembers)
	}

	_, err := env.service.Import(ctx, Request{OwnerID: "owner-1", CSVData: "email\na@x.com"})
	importErr(t, err, KindRateLimited)
}

type failingPing struct {
	MemberStore
}

func (failingPing) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestImportNotConfigured(t *testing.T) {
	env := newTestEnv(t, testConfig(), func(s MemberStore) MemberStore { return failingPing{s} })

	if env.service.Ready() {
		t.Fatal("service should not be ready")
	}

	_, err := env.service.Import(context.Background(), Request{OwnerID: "owner-1", CSVData: "email\na@x.com"})
	ie := importErr(t, err, KindNotConfigured)
	if ie.HTTPStatus() != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", ie.HTTPStatus())
	}
}

func TestImportNilStore(t *testing.T) {
	svc := New(context.Background(), Options{Config: testConfig(), Logger: testLogger()})
	if svc.Ready() {
		t.Fatal("service without store should not be ready")
	}
	_, err := svc.Import(context.Background(), Request{OwnerID: "owner-1", CSVData: "email\na@x.com"})
	importErr(t, err, KindNotConfigured)
}

// insertFailure fails the n-th InsertMembers call
type insertFailure struct {
	MemberStore
	n     int
	calls int
}

func (f *insertFailure) InsertMembers(ctx context.Context, members []models.Member) ([]string, error) {
	f.calls++
	if f.calls == f.n {
		return nil, errors.New("disk full")
	}
	return f.MemberStore.InsertMembers(ctx, members)
}

func TestImportPartialBatchFailure(t *testing.T) {
	env := newTestEnv(t, testConfig(), func(s MemberStore) MemberStore { return &insertFailure{MemberStore: s, n: 2} })

	var sb strings.Builder
	sb.WriteString("email\n")
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&sb, "user%d@x.com\n", i)
	}

	_, err := env.service.Import(context.Background(), Request{
		OwnerID: "owner-1",
		CSVData: sb.String(),
		Options: ImportOptions{BatchSize: 10},
	})
	ie := importErr(t, err, KindStore)
	if ie.Message != "Database error during import" || ie.HTTPStatus() != http.StatusInternalServerError {
		t.Errorf("unexpected error %v", ie)
	}

	details, ok := ie.Details.(map[string]any)
	if !ok {
		t.Fatalf("unexpected details %#v", ie.Details)
	}
	if details["total_inserted"] != 10 || details["batches_processed"] != 1 {
		t.Errorf("unexpected progress details %#v", details)
	}

	// the first chunk stays committed
	count, _ := env.members.CountAll(context.Background())
	if count != 10 {
		t.Errorf("expected 10 committed members, got %d", count)
	}
}

type lookupFailure struct {
	MemberStore
}

func (lookupFailure) ExistingEmails(context.Context, string, []string) (map[string]struct{}, error) {
	return nil, errors.New("timeout")
}

func TestImportLookupFailure(t *testing.T) {
	env := newTestEnv(t, testConfig(), func(s MemberStore) MemberStore { return lookupFailure{s} })

	_, err := env.service.Import(context.Background(), Request{OwnerID: "owner-1", CSVData: "email\na@x.com"})
	ie := importErr(t, err, KindStore)
	if ie.Message != "Failed to check for existing members" {
		t.Errorf("unexpected message %q", ie.Message)
	}
}

type panicStore struct {
	MemberStore
}

func (panicStore) InsertMembers(context.Context, []models.Member) ([]string, error) {
	panic("boom")
}

func TestImportRecoversPanic(t *testing.T) {
	env := newTestEnv(t, testConfig(), func(s MemberStore) MemberStore { return panicStore{s} })

	res, err := env.service.Import(context.Background(), Request{OwnerID: "owner-1", CSVData: "email\na@x.com"})
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
	ie := importErr(t, err, KindInternal)
	if ie.HTTPStatus() != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ie.HTTPStatus())
	}

	types := env.eventTypes(t, "owner-1")
	if len(types) == 0 || types[len(types)-1] != models.EventImportError {
		t.Errorf("expected import_error event after panic, got %v", types)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	svc := New(context.Background(), Options{Logger: testLogger()})
	cfg := svc.Config()

	if cfg.MaxMembersPerImport != 10000 || cfg.MaxImportsPerHour != 5 || cfg.RateWindow != time.Hour {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Batch != DefaultBatchLimits() {
		t.Errorf("unexpected batch limits %+v", cfg.Batch)
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		kind   Kind
		code   string
		status int
	}{
		{KindInternal, "INTERNAL_ERROR", 500},
		{KindUnauthenticated, "UNAUTHORIZED", 401},
		{KindInvalidInput, "INVALID_INPUT", 400},
		{KindTooLarge, "IMPORT_TOO_LARGE", 400},
		{KindCSVParse, "CSV_PARSE_ERROR", 400},
		{KindNoValidMembers, "NO_VALID_MEMBERS", 400},
		{KindAllDuplicates, "ALL_DUPLICATES", 400},
		{KindRateLimited, "RATE_LIMITED", 429},
		{KindStore, "DATABASE_ERROR", 500},
		{KindNotConfigured, "NOT_CONFIGURED", 503},
	}

	for _, tt := range tests {
		if tt.kind.Code() != tt.code || tt.kind.HTTPStatus() != tt.status {
			t.Errorf("kind %d: got (%s, %d), want (%s, %d)", tt.kind, tt.kind.Code(), tt.kind.HTTPStatus(), tt.code, tt.status)
		}
	}

	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("foreign errors map to internal")
	}
	wrapped := fmt.Errorf("outer: %w", newError(KindRateLimited, "slow down", nil))
	if KindOf(wrapped) != KindRateLimited {
		t.Error("KindOf should unwrap")
	}
}
