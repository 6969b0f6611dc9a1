package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/foxzi/rekindle/internal/db"
	"github.com/foxzi/rekindle/internal/models"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a disposable PostgreSQL container.
// Requires REKINDLE_DOCKER_TESTS=1 and a reachable Docker daemon.
func setupPostgres(t *testing.T) *db.DB {
	t.Helper()

	if os.Getenv("REKINDLE_DOCKER_TESTS") != "1" {
		t.Skip("set REKINDLE_DOCKER_TESTS=1 to run PostgreSQL tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "rekindle",
			"POSTGRES_PASSWORD": "rekindle",
			"POSTGRES_DB":       "rekindle",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://rekindle:rekindle@%s:%s/rekindle?sslmode=disable", host, port.Port())
	d, err := db.Open(ctx, db.DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("failed to open postgres: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := d.Migrate(); err != nil {
		t.Fatalf("failed to migrate postgres: %v", err)
	}
	return d
}

func TestPostgres_MemberRoundTrip(t *testing.T) {
	d := setupPostgres(t)
	repo := NewMemberRepository(d)
	ctx := context.Background()

	members := []models.Member{
		newMember("owner-1", strPtr("a@x.com"), nil),
		newMember("owner-1", nil, strPtr("alpha")),
	}
	ids, err := repo.InsertMembers(ctx, members)
	if err != nil {
		t.Fatalf("InsertMembers failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}

	emails, err := repo.ExistingEmails(ctx, "owner-1", []string{"a@x.com", "b@x.com"})
	if err != nil {
		t.Fatalf("ExistingEmails failed: %v", err)
	}
	if len(emails) != 1 {
		t.Errorf("expected 1 existing email, got %d", len(emails))
	}

	counts, err := repo.CountByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("CountByOwner failed: %v", err)
	}
	if counts.Total != 2 {
		t.Errorf("expected 2 members, got %d", counts.Total)
	}
}

func TestPostgres_Events(t *testing.T) {
	d := setupPostgres(t)
	repo := NewEventRepository(d)
	ctx := context.Background()

	if err := repo.Append(ctx, &models.Event{OwnerID: "u1", Type: models.EventImportSuccess}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := repo.ListSince(ctx, models.EventFilter{OwnerID: "u1", Since: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("ListSince failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 event, got %d", len(got))
	}
}
