package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailsync/internal/model"
	"mailsync/pkg/outbox"
)

func openTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("MAILSYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MAILSYNC_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := EnsureSchema(context.Background(), pool); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return pool
}

func seedAccount(t *testing.T, pool *pgxpool.Pool) (*model.Owner, *model.Account) {
	t.Helper()
	ctx := context.Background()
	owner, err := NewOwnerRepository(pool).GetOrCreateByEmail(ctx, uuid.NewString()+"@example.com")
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM owners WHERE id = $1`, owner.ID)
	})
	acc, err := NewAccountRepository(pool).UpsertAuthorized(ctx, owner.ID, owner.PrimaryEmail, model.Credential{
		AccessToken:  "a1",
		RefreshToken: "r1",
	})
	if err != nil {
		t.Fatalf("UpsertAuthorized: %v", err)
	}
	return owner, acc
}

func TestUpsertAuthorizedPrimaryAndReauthorization(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	accounts := NewAccountRepository(pool)
	owner, first := seedAccount(t, pool)

	if !first.Primary || first.Status != model.AccountActive {
		t.Fatalf("first account = %+v", first)
	}

	second, err := accounts.UpsertAuthorized(ctx, owner.ID, "other@example.com", model.Credential{AccessToken: "b"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Primary {
		t.Fatalf("second account must not be primary")
	}

	if err := accounts.UpdateStatus(ctx, first.ID, model.AccountExpired); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	again, err := accounts.UpsertAuthorized(ctx, owner.ID, first.Address, model.Credential{AccessToken: "a2"})
	if err != nil {
		t.Fatalf("reauthorize: %v", err)
	}
	if again.ID != first.ID || again.Status != model.AccountActive || again.Credential.RefreshToken != "r1" || !again.Primary {
		t.Fatalf("reauthorized = %+v", again)
	}
}

func TestSaveCredentialAndCursor(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	accounts := NewAccountRepository(pool)
	_, acc := seedAccount(t, pool)

	_ = accounts.UpdateStatus(ctx, acc.ID, model.AccountError)
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := accounts.SaveCredential(ctx, acc.ID, model.Credential{AccessToken: "new", RefreshToken: "r2", Expiry: &exp}); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}
	if err := accounts.UpdateCursor(ctx, acc.ID, "555"); err != nil {
		t.Fatalf("UpdateCursor: %v", err)
	}

	got, err := accounts.Get(ctx, acc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.AccountActive || got.Credential.AccessToken != "new" || got.CursorValue() != "555" {
		t.Fatalf("account = %+v", got)
	}
	if !got.Credential.Expiry.Equal(exp) {
		t.Fatalf("expiry = %v, want %v", got.Credential.Expiry, exp)
	}

	if _, err := accounts.Get(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing account err = %v", err)
	}
}

func TestCategoryGetOrCreateIsCaseInsensitive(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	categories := NewCategoryRepository(pool)
	_, acc := seedAccount(t, pool)

	a, err := categories.GetOrCreate(ctx, acc.ID, model.UnsortedCategory, model.UnsortedCategoryDescription)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := categories.GetOrCreate(ctx, acc.ID, "unsorted emails", "ignored")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if a.ID != b.ID || b.Name != model.UnsortedCategory {
		t.Fatalf("a=%+v b=%+v", a, b)
	}
}

func TestItemInsertIsIdempotentAndWritesOutbox(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	owner, acc := seedAccount(t, pool)
	cat, err := NewCategoryRepository(pool).GetOrCreate(ctx, acc.ID, "Receipts", "orders")
	if err != nil {
		t.Fatalf("category: %v", err)
	}
	items := NewItemRepository(pool, outbox.NewRepository(pool))

	item := &model.Item{AccountID: acc.ID, ExternalID: "ext-1", CategoryID: cat.ID, Summary: "s"}
	created, err := items.Insert(ctx, item)
	if err != nil || !created {
		t.Fatalf("first insert = %v, %v", created, err)
	}
	dup := &model.Item{AccountID: acc.ID, ExternalID: "ext-1", CategoryID: cat.ID}
	created, err = items.Insert(ctx, dup)
	if err != nil || created {
		t.Fatalf("duplicate insert = %v, %v", created, err)
	}

	var events int
	err = pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE aggregate_id = $1`, item.ID).Scan(&events)
	if err != nil || events != 1 {
		t.Fatalf("outbox events = %d, %v", events, err)
	}
	_, _ = pool.Exec(ctx, `DELETE FROM outbox_events WHERE aggregate_id = $1`, item.ID)

	listed, err := items.ListForOwner(ctx, owner.ID, []string{item.ID, uuid.NewString()})
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListForOwner = %+v, %v", listed, err)
	}
	link := "https://example.com/u"
	if err := items.UpdateUnsubscribe(ctx, item.ID, model.UnsubscribeSuccess, &link); err != nil {
		t.Fatalf("UpdateUnsubscribe: %v", err)
	}
	if err := items.Delete(ctx, item.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := items.Exists(ctx, acc.ID, "ext-1"); ok {
		t.Fatalf("item still exists after delete")
	}
}

func TestItemInsertWithoutOutboxWritesNoEvent(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	_, acc := seedAccount(t, pool)
	cat, err := NewCategoryRepository(pool).GetOrCreate(ctx, acc.ID, "Receipts", "orders")
	if err != nil {
		t.Fatalf("category: %v", err)
	}
	items := NewItemRepository(pool, nil)

	item := &model.Item{AccountID: acc.ID, ExternalID: "ext-no-outbox", CategoryID: cat.ID}
	if created, err := items.Insert(ctx, item); err != nil || !created {
		t.Fatalf("insert = %v, %v", created, err)
	}
	var events int
	err = pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE aggregate_id = $1`, item.ID).Scan(&events)
	if err != nil || events != 0 {
		t.Fatalf("outbox events = %d, %v", events, err)
	}
	_ = items.Delete(ctx, item.ID)
}
