package memory

import (
	"context"
	"testing"

	"github.com/rankwell/siteaudit/internal/audit"
)

func TestPublisherRecordsEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "audit-completed", audit.CompletionEvent{AuditID: "audit-1", Status: audit.StatusCompleted})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "audit-completed", audit.CompletionEvent{AuditID: "audit-2", Status: audit.StatusFailed})
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	events := pub.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	first, ok := events[0].Payload.(audit.CompletionEvent)
	if !ok || first.AuditID != "audit-1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}

	events[0].Topic = "modified"
	if pub.Events()[0].Topic == "modified" {
		t.Fatal("expected Events() to return a copy")
	}
}
