package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"social-media-microservices/media/internal/models"
	"social-media-microservices/shared/apperr"
	"social-media-microservices/shared/clients/blobstore"
	"social-media-microservices/shared/events"
	"social-media-microservices/shared/logx"
)

type fakeStore struct {
	mu        sync.Mutex
	media     map[uuid.UUID]models.Media
	insertErr error
	deleteErr map[uuid.UUID]error
}

func newFakeStore(items ...models.Media) *fakeStore {
	f := &fakeStore{media: map[uuid.UUID]models.Media{}, deleteErr: map[uuid.UUID]error{}}
	for _, m := range items {
		f.media[m.ID] = m
	}
	return f
}

func (f *fakeStore) Insert(_ context.Context, m models.Media) (models.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return models.Media{}, f.insertErr
	}
	f.media[m.ID] = m
	return m, nil
}

func (f *fakeStore) Get(_ context.Context, id uuid.UUID) (models.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.media[id]
	if !ok {
		return models.Media{}, pgx.ErrNoRows
	}
	return m, nil
}

func (f *fakeStore) ListByUser(_ context.Context, userID string, limit int) ([]models.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Media
	for _, m := range f.media {
		if m.UserID == userID && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[id]; err != nil {
		return false, err
	}
	_, ok := f.media[id]
	delete(f.media, id)
	return ok, nil
}

type fakeBlobs struct {
	mu        sync.Mutex
	uploaded  map[string][]byte
	deleted   []string
	uploadErr error
	deleteErr map[string]error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{uploaded: map[string][]byte{}, deleteErr: map[string]error{}}
}

func (f *fakeBlobs) Upload(_ context.Context, publicID string, _ string, data []byte) (blobstore.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return blobstore.Object{}, f.uploadErr
	}
	f.uploaded[publicID] = data
	return blobstore.Object{PublicID: publicID, URL: "https://cdn.test/" + publicID}, nil
}

func (f *fakeBlobs) Delete(_ context.Context, publicID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[publicID]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, publicID)
	return nil
}

func media(user string) models.Media {
	id := uuid.New()
	return models.Media{ID: id, UserID: user, PublicID: "media/" + id.String(), URL: "https://cdn.test/" + id.String()}
}

func TestUploadStoresObjectAndRow(t *testing.T) {
	store, blobs := newFakeStore(), newFakeBlobs()
	svc := New(store, blobs, logx.Nop())

	m, err := svc.Upload(context.Background(), "u-1", Upload{Filename: `C:\pics\cat.png`, ContentType: "image/png", Data: []byte("png")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if m.UserID != "u-1" || m.MimeType != "image/png" || m.OriginalName != "cat.png" {
		t.Fatalf("unexpected media %+v", m)
	}
	if string(blobs.uploaded[m.PublicID]) != "png" {
		t.Fatalf("object not uploaded under %s", m.PublicID)
	}
	if _, ok := store.media[m.ID]; !ok {
		t.Fatalf("row not recorded")
	}
}

func TestUploadTruncatesLongNameOnRuneBoundary(t *testing.T) {
	svc := New(newFakeStore(), newFakeBlobs(), logx.Nop())
	// 'é' is two bytes, so a 255-byte cut lands inside a rune.
	long := "ab" + strings.Repeat("é", 200) + ".png"

	m, err := svc.Upload(context.Background(), "u-1", Upload{Filename: long, ContentType: "image/png", Data: []byte("png")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !utf8.ValidString(m.OriginalName) {
		t.Fatalf("stored name is not valid UTF-8: %q", m.OriginalName)
	}
	if len(m.OriginalName) != 254 || !strings.HasPrefix(long, m.OriginalName) {
		t.Fatalf("unexpected truncation to %d bytes", len(m.OriginalName))
	}

	m, err = svc.Upload(context.Background(), "u-1", Upload{Filename: "bad\xffname.txt", Data: []byte("x")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if m.OriginalName != "badname.txt" {
		t.Fatalf("invalid bytes must be dropped, got %q", m.OriginalName)
	}
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	svc := New(newFakeStore(), newFakeBlobs(), logx.Nop())
	if _, err := svc.Upload(context.Background(), "u-1", Upload{Filename: "a"}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUploadStoreFailureRemovesObject(t *testing.T) {
	store, blobs := newFakeStore(), newFakeBlobs()
	store.insertErr = errors.New("db down")
	svc := New(store, blobs, logx.Nop())

	_, err := svc.Upload(context.Background(), "u-1", Upload{Filename: "a.bin", Data: []byte("x")})
	if !apperr.Is(err, apperr.KindInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if len(blobs.deleted) != 1 {
		t.Fatalf("expected orphaned object cleanup, got %v", blobs.deleted)
	}
}

func TestUploadBlobFailureIsUnavailable(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.uploadErr = blobstore.ErrCircuitOpen
	svc := New(newFakeStore(), blobs, logx.Nop())
	if _, err := svc.Upload(context.Background(), "u-1", Upload{Data: []byte("x")}); !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestRemovePostMediaDeletesEveryOwnedItem(t *testing.T) {
	a, b := media("u-1"), media("u-1")
	store, blobs := newFakeStore(a, b), newFakeBlobs()
	svc := New(store, blobs, logx.Nop())

	err := svc.RemovePostMedia(context.Background(), events.PostDeleted{
		PostID:   uuid.NewString(),
		UserID:   "u-1",
		MediaIDs: []string{a.ID.String(), b.ID.String()},
	})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(store.media) != 0 {
		t.Fatalf("expected rows removed, left %d", len(store.media))
	}
	if len(blobs.deleted) != 2 || blobs.deleted[0] != a.PublicID || blobs.deleted[1] != b.PublicID {
		t.Fatalf("objects deleted out of order: %v", blobs.deleted)
	}
}

func TestRemovePostMediaToleratesAbsentAndMalformed(t *testing.T) {
	a := media("u-1")
	store, blobs := newFakeStore(a), newFakeBlobs()
	svc := New(store, blobs, logx.Nop())

	err := svc.RemovePostMedia(context.Background(), events.PostDeleted{
		UserID:   "u-1",
		MediaIDs: []string{"not-a-uuid", uuid.NewString(), a.ID.String()},
	})
	if err != nil {
		t.Fatalf("absent media must count as success, got %v", err)
	}
	if len(store.media) != 0 || len(blobs.deleted) != 1 {
		t.Fatalf("expected the present item removed, store=%d blobs=%v", len(store.media), blobs.deleted)
	}
}

func TestRemovePostMediaContinuesPastFailure(t *testing.T) {
	a, b, c := media("u-1"), media("u-1"), media("u-1")
	store, blobs := newFakeStore(a, b, c), newFakeBlobs()
	blobs.deleteErr[b.PublicID] = errors.New("store unavailable")
	svc := New(store, blobs, logx.Nop())

	err := svc.RemovePostMedia(context.Background(), events.PostDeleted{
		UserID:   "u-1",
		MediaIDs: []string{a.ID.String(), b.ID.String(), c.ID.String()},
	})
	if err == nil || !strings.Contains(err.Error(), b.ID.String()) {
		t.Fatalf("expected failure naming %s, got %v", b.ID, err)
	}
	if _, ok := store.media[a.ID]; ok {
		t.Fatalf("item before the failure must be removed")
	}
	if _, ok := store.media[c.ID]; ok {
		t.Fatalf("item after the failure must be removed")
	}
	if _, ok := store.media[b.ID]; !ok {
		t.Fatalf("failed item must stay")
	}
}

func TestRemovePostMediaSkipsOtherUsersMedia(t *testing.T) {
	mine, theirs := media("u-1"), media("u-2")
	store, blobs := newFakeStore(mine, theirs), newFakeBlobs()
	svc := New(store, blobs, logx.Nop())

	if err := svc.RemovePostMedia(context.Background(), events.PostDeleted{
		UserID:   "u-1",
		MediaIDs: []string{mine.ID.String(), theirs.ID.String()},
	}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := store.media[theirs.ID]; !ok {
		t.Fatalf("another user's media must not be deleted")
	}
	if len(blobs.deleted) != 1 {
		t.Fatalf("unexpected deletes %v", blobs.deleted)
	}
}

type fakeSource struct {
	committed []kafka.Message
}

func (f *fakeSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeSource) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeSource) Close() error { return nil }

// countingBlobs records every delete, so a second pass over the same event
// would show up even though the store already forgot the rows.
type countingBlobs struct {
	*fakeBlobs
	calls int
}

func (c *countingBlobs) Delete(ctx context.Context, publicID string) error {
	c.calls++
	return c.fakeBlobs.Delete(ctx, publicID)
}

func TestPostDeletedDeliveredTwiceIsAppliedOnce(t *testing.T) {
	a, b := media("u-1"), media("u-1")
	store := newFakeStore(a, b)
	blobs := &countingBlobs{fakeBlobs: newFakeBlobs()}
	svc := New(store, blobs, logx.Nop())

	table, err := svc.Handlers()
	if err != nil {
		t.Fatalf("handlers: %v", err)
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inbox := events.NewRedisInbox(rdb, time.Minute, time.Hour)
	source := &fakeSource{}
	consumer := events.NewConsumer(source, table.Handlers()[0], inbox, events.GroupName("media-service", events.KindPostDeleted), logx.Nop())

	env, err := events.NewEnvelope("post-service", events.PostDeleted{
		PostID:   uuid.NewString(),
		UserID:   "u-1",
		MediaIDs: []string{a.ID.String(), b.ID.String()},
	}, time.Now())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	raw, _ := json.Marshal(env)
	msg := kafka.Message{Topic: events.KindPostDeleted.Topic(), Value: raw}

	consumer.Process(context.Background(), msg)
	consumer.Process(context.Background(), msg)

	if blobs.calls != 2 {
		t.Fatalf("expected two object deletes from one application, got %d", blobs.calls)
	}
	if len(store.media) != 0 {
		t.Fatalf("expected media removed, left %d", len(store.media))
	}
	if len(source.committed) != 2 {
		t.Fatalf("both deliveries must be committed, got %d", len(source.committed))
	}
}

func TestPostDeletedRedeliveryWithoutInboxIsHarmless(t *testing.T) {
	a := media("u-1")
	store, blobs := newFakeStore(a), newFakeBlobs()
	svc := New(store, blobs, logx.Nop())
	ev := events.PostDeleted{UserID: "u-1", MediaIDs: []string{a.ID.String()}}

	for i := 0; i < 2; i++ {
		if err := svc.RemovePostMedia(context.Background(), ev); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}
	if len(store.media) != 0 || len(blobs.deleted) != 1 {
		t.Fatalf("second delivery must be a no-op, store=%d blobs=%v", len(store.media), blobs.deleted)
	}
}
