package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "reports/audit-1.html", "text/html", bytes.NewReader([]byte("<html>report</html>")))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://reports/audit-1.html" {
		t.Fatalf("unexpected uri %s", uri)
	}

	data, ok := store.Object("reports/audit-1.html")
	if !ok || string(data) != "<html>report</html>" {
		t.Fatalf("Object() = %q ok=%v", data, ok)
	}
	data[0] = 'X'
	again, _ := store.Object("reports/audit-1.html")
	if string(again) != "<html>report</html>" {
		t.Fatal("expected Object to return a copy")
	}
}

func TestBlobStorePutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	if _, err := store.PutObject(context.Background(), "", "text/html", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for empty path")
	}
}
