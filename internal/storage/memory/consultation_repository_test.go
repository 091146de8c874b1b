package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
	"github.com/vladislavdragonenkov/settlement/internal/storage/memory"
)

func newConsultation(id string) domain.Consultation {
	now := time.Now().UTC()
	return domain.Consultation{
		ID:                id,
		UserID:            "user-1",
		ServiceChoiceID:   "natal-chart",
		Status:            domain.ConsultationStatusPending,
		RequiredOfferings: []domain.OfferingLine{{OfferingID: "reading", Quantity: 1}},
		CreatedAt:         now,
		StatusChangedAt:   now,
	}
}

func TestConsultationRepository_CreateGet(t *testing.T) {
	repo := memory.NewConsultationRepository()
	ctx := context.Background()
	consultation := newConsultation("c-1")

	if err := repo.Create(ctx, consultation); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(ctx, consultation); !errors.Is(err, domain.ErrConsultationExists) {
		t.Fatalf("expected ErrConsultationExists, got %v", err)
	}

	stored, err := repo.Get(ctx, "c-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.UserID != consultation.UserID {
		t.Fatalf("expected user %s, got %s", consultation.UserID, stored.UserID)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrConsultationNotFound) {
		t.Fatalf("expected ErrConsultationNotFound, got %v", err)
	}
}

func TestConsultationRepository_SaveVersionConflict(t *testing.T) {
	repo := memory.NewConsultationRepository()
	ctx := context.Background()
	if err := repo.Create(ctx, newConsultation("c-2")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	first, _ := repo.Get(ctx, "c-2")
	stale, _ := repo.Get(ctx, "c-2")

	first.Status = domain.ConsultationStatusGenerating
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	stale.Status = domain.ConsultationStatusCancelled
	if err := repo.Save(ctx, stale); !errors.Is(err, domain.ErrConsultationVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	stored, _ := repo.Get(ctx, "c-2")
	if stored.Status != domain.ConsultationStatusGenerating {
		t.Fatalf("expected GENERATING, got %s", stored.Status)
	}
	if stored.Version != 1 {
		t.Fatalf("expected version 1, got %d", stored.Version)
	}
}

func TestConsultationRepository_FindAndList(t *testing.T) {
	repo := memory.NewConsultationRepository()
	ctx := context.Background()

	old := newConsultation("c-old")
	old.Status = domain.ConsultationStatusAwaitingPayment
	old.PaymentRef = "pay-old"
	old.StatusChangedAt = time.Now().UTC().Add(-time.Hour)
	fresh := newConsultation("c-fresh")
	fresh.Status = domain.ConsultationStatusAwaitingPayment
	for _, c := range []domain.Consultation{old, fresh} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	found, err := repo.FindByPaymentRef(ctx, "pay-old")
	if err != nil || found.ID != "c-old" {
		t.Fatalf("expected c-old by payment ref, got %q (%v)", found.ID, err)
	}

	stale, err := repo.ListByStatus(ctx, domain.ConsultationStatusAwaitingPayment, time.Now().UTC().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("list by status failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "c-old" {
		t.Fatalf("expected only c-old, got %+v", stale)
	}

	byUser, err := repo.ListByUser(ctx, "user-1", 1)
	if err != nil {
		t.Fatalf("list by user failed: %v", err)
	}
	if len(byUser) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(byUser))
	}
}

func TestConsultationRepository_ListUnnotified(t *testing.T) {
	repo := memory.NewConsultationRepository()
	ctx := context.Background()

	notified := newConsultation("c-notified")
	notified.Status = domain.ConsultationStatusCompleted
	notified.AnalysisNotified = true
	pending := newConsultation("c-pending")
	pending.Status = domain.ConsultationStatusCompleted
	generating := newConsultation("c-generating")
	generating.Status = domain.ConsultationStatusGenerating
	for _, c := range []domain.Consultation{notified, pending, generating} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	items, err := repo.ListUnnotified(ctx, 10)
	if err != nil {
		t.Fatalf("list unnotified failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != "c-pending" {
		t.Fatalf("expected only c-pending, got %+v", items)
	}
}

func TestConsultationRepository_VerificationQueue(t *testing.T) {
	repo := memory.NewConsultationRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"c-1", "c-2"} {
		c := newConsultation(id)
		c.Status = domain.ConsultationStatusAwaitingPayment
		c.StatusChangedAt = now.Add(-time.Duration(3-i) * time.Hour)
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if err := repo.MarkVerified(ctx, "c-1", now); err != nil {
		t.Fatalf("mark verified failed: %v", err)
	}

	due, err := repo.ListDueForVerification(ctx, now, now.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("list due failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != "c-2" {
		t.Fatalf("expected only unverified c-2, got %+v", due)
	}

	due, err = repo.ListDueForVerification(ctx, now, now, 10)
	if err != nil {
		t.Fatalf("list due failed: %v", err)
	}
	if len(due) != 2 || due[0].ID != "c-2" {
		t.Fatalf("expected unverified consultation first, got %+v", due)
	}

	// Save с устаревшей копией не затирает время проверки.
	stale, err := repo.Get(ctx, "c-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	stale.LastVerifiedAt = time.Time{}
	if err := repo.Save(ctx, stale); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, _ := repo.Get(ctx, "c-1")
	if !got.LastVerifiedAt.Equal(now) {
		t.Fatalf("expected last verified to survive save, got %v", got.LastVerifiedAt)
	}

	if err := repo.MarkVerified(ctx, "missing", now); !errors.Is(err, domain.ErrConsultationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
