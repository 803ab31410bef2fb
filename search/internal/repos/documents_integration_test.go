//go:build integration

package repos

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"social-media-microservices/search/internal/models"
	"social-media-microservices/shared/dbx"
)

func openPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := dbx.EnsureSchema(ctx, pool, Schema...); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return pool
}

func TestDocumentsTombstoneBlocksLateCreate(t *testing.T) {
	repo := NewDocumentsRepo(openPool(t))
	ctx := context.Background()
	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	marker := "tombstone" + uuid.NewString()[:8]

	if ok, err := repo.Upsert(ctx, models.Document{PostID: id, UserID: "u-1", Content: marker, CreatedAt: now, UpdatedAt: now}); err != nil || !ok {
		t.Fatalf("upsert: %v %v", ok, err)
	}
	if hits, err := repo.Search(ctx, marker, 10); err != nil || len(hits) != 1 {
		t.Fatalf("expected one hit, got %d %v", len(hits), err)
	}
	if removed, err := repo.Delete(ctx, id, now.Add(time.Second)); err != nil || !removed {
		t.Fatalf("delete: %v %v", removed, err)
	}
	if ok, err := repo.Upsert(ctx, models.Document{PostID: id, UserID: "u-1", Content: marker, CreatedAt: now, UpdatedAt: now}); err != nil || ok {
		t.Fatalf("late create must be ignored: %v %v", ok, err)
	}
	if hits, _ := repo.Search(ctx, marker, 10); len(hits) != 0 {
		t.Fatalf("deleted post resurfaced")
	}
	if removed, err := repo.Delete(ctx, id, now); err != nil || removed {
		t.Fatalf("second delete must be a no-op: %v %v", removed, err)
	}
}

func TestDocumentsKeepNewestVersion(t *testing.T) {
	repo := NewDocumentsRepo(openPool(t))
	ctx := context.Background()
	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, _ = repo.Upsert(ctx, models.Document{PostID: id, UserID: "u-1", Content: "newer words", CreatedAt: now, UpdatedAt: now.Add(time.Minute)})
	if ok, err := repo.Upsert(ctx, models.Document{PostID: id, UserID: "u-1", Content: "older words", CreatedAt: now, UpdatedAt: now}); err != nil || ok {
		t.Fatalf("older version must not apply: %v %v", ok, err)
	}
	hits, err := repo.Search(ctx, "newer", 50)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, h := range hits {
		if h.PostID == id {
			return
		}
	}
	t.Fatalf("newest version missing from results")
}

func TestDocumentsConcurrentCreateAndDeleteNeverResurrects(t *testing.T) {
	pool := openPool(t)
	repo := NewDocumentsRepo(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 50; i++ {
		id := uuid.NewString()
		var wg sync.WaitGroup
		errs := make(chan error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := repo.Upsert(ctx, models.Document{PostID: id, UserID: "u-1", Content: "racing words", CreatedAt: now, UpdatedAt: now})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := repo.Delete(ctx, id, now)
			errs <- err
		}()
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("round %d: %v", i, err)
			}
		}

		var n int
		if err := pool.QueryRow(ctx, `SELECT count(*) FROM search_documents WHERE post_id = $1`, id).Scan(&n); err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 0 {
			t.Fatalf("round %d: deleted post %s is still indexed", i, id)
		}
	}
}
