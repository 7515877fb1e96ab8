package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neomorfeo/seatdesk/internal/app"
	"github.com/neomorfeo/seatdesk/internal/domain"
)

func TestCredentialStore_CachesList(t *testing.T) {
	src := &fakeCredentials{list: domain.CredentialList{
		Cards:     []domain.StoredCredential{{ID: "pm_1", IsDefault: true}},
		DefaultID: "pm_1",
	}}
	store := app.NewCredentialStore(src, time.Minute)
	ctx := context.Background()

	for range 3 {
		if _, err := store.List(ctx); err != nil {
			t.Fatalf("List: %v", err)
		}
	}
	if src.Calls() != 1 {
		t.Errorf("source calls = %d, want 1", src.Calls())
	}

	def, ok, err := store.Default(ctx)
	if err != nil || !ok {
		t.Fatalf("Default = %v, %v", ok, err)
	}
	if def.ID != "pm_1" {
		t.Errorf("Default ID = %q, want %q", def.ID, "pm_1")
	}
}

func TestCredentialStore_InvalidateRefetches(t *testing.T) {
	src := &fakeCredentials{}
	store := app.NewCredentialStore(src, time.Minute)
	ctx := context.Background()

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list.Cards) != 0 {
		t.Fatalf("Cards = %v, want none", list.Cards)
	}

	src.mu.Lock()
	src.list = domain.CredentialList{Cards: []domain.StoredCredential{{ID: "pm_new"}}}
	src.mu.Unlock()
	store.Invalidate()

	list, err = store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !list.Contains("pm_new") {
		t.Errorf("Cards = %v, want pm_new", list.Cards)
	}
	if src.Calls() != 2 {
		t.Errorf("source calls = %d, want 2", src.Calls())
	}
}

func TestCredentialStore_ErrorNotCached(t *testing.T) {
	src := &fakeCredentials{err: &domain.BackendUnavailableError{Err: errors.New("down")}}
	store := app.NewCredentialStore(src, time.Minute)
	ctx := context.Background()

	if _, err := store.List(ctx); err == nil {
		t.Fatal("expected error")
	}

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()

	if _, err := store.List(ctx); err != nil {
		t.Fatalf("List: %v", err)
	}
	if src.Calls() != 2 {
		t.Errorf("source calls = %d, want 2", src.Calls())
	}
}

func TestCredentialStore_CallerCancellationSparesSharedFetch(t *testing.T) {
	src := &fakeCredentials{
		list: domain.CredentialList{Cards: []domain.StoredCredential{{ID: "pm_1"}}},
		gate: newGate(),
	}
	store := app.NewCredentialStore(src, time.Minute)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := store.List(first)
		firstErr <- err
	}()
	<-src.gate.started

	type result struct {
		list domain.CredentialList
		err  error
	}
	second := make(chan result, 1)
	go func() {
		list, err := store.List(context.Background())
		second <- result{list, err}
	}()

	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("first List = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting")
	}
	close(src.gate.release)

	select {
	case res := <-second:
		if res.err != nil {
			t.Fatalf("second List: %v", res.err)
		}
		if !res.list.Contains("pm_1") {
			t.Errorf("second List = %+v, want pm_1", res.list)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second List did not return")
	}
	if err := src.CtxErr(); err != nil {
		t.Errorf("shared fetch saw ctx error %v", err)
	}
}
