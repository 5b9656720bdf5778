package history

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/dlsync/internal/testutil"
)

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (r *recordingBroadcaster) Broadcast(msgType string, _ interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msgType)
	return r.err
}

func TestHistoryService_Emit(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	service := NewService(tdb.Conn, tdb.Logger)
	b := &recordingBroadcaster{}
	service.SetBroadcaster(b)
	ctx := context.Background()

	err := service.Emit(ctx, EventTypeDownloadCompleted, Subject{DownloadID: 7, Title: "Show.S01E01"}, map[string]any{
		"client": "qbit",
	})
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	entries, err := service.ListByDownload(ctx, 7)
	if err != nil {
		t.Fatalf("ListByDownload() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ListByDownload() returned %d entries, want 1", len(entries))
	}
	if entries[0].EventType != EventTypeDownloadCompleted {
		t.Errorf("EventType = %q, want %q", entries[0].EventType, EventTypeDownloadCompleted)
	}
	if entries[0].Data["client"] != "qbit" {
		t.Errorf("Data[client] = %v, want qbit", entries[0].Data["client"])
	}
	if len(b.messages) != 1 || b.messages[0] != "history:download_completed" {
		t.Errorf("broadcasts = %v, want [history:download_completed]", b.messages)
	}
}

func TestHistoryService_EmitIgnoresBroadcastFailure(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	service := NewService(tdb.Conn, tdb.Logger)
	service.SetBroadcaster(&recordingBroadcaster{err: errors.New("hub closed")})

	if err := service.Emit(context.Background(), EventTypeImportFailed, Subject{Title: "x"}, nil); err != nil {
		t.Fatalf("Emit() error = %v, want nil", err)
	}
}

func TestHistoryService_ListPagination(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	service := NewService(tdb.Conn, tdb.Logger)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		kind := EventTypeDownloadGrabbed
		if i%2 == 0 {
			kind = EventTypeDownloadMissing
		}
		if err := service.Emit(ctx, kind, Subject{DownloadID: i}, nil); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}

	page, err := service.List(ctx, ListOptions{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.TotalCount != 5 || page.TotalPages != 3 || len(page.Items) != 2 {
		t.Errorf("List() = total %d pages %d items %d, want 5/3/2", page.TotalCount, page.TotalPages, len(page.Items))
	}
	if page.Items[0].DownloadID != 3 {
		t.Errorf("first item on page 2 = %d, want 3", page.Items[0].DownloadID)
	}

	missing, err := service.List(ctx, ListOptions{EventType: string(EventTypeDownloadMissing)})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if missing.TotalCount != 2 {
		t.Errorf("filtered TotalCount = %d, want 2", missing.TotalCount)
	}

	if err := service.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	empty, _ := service.List(ctx, ListOptions{})
	if empty.TotalCount != 0 {
		t.Errorf("TotalCount after DeleteAll = %d, want 0", empty.TotalCount)
	}
}

func TestHandlers_List(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	service := NewService(tdb.Conn, tdb.Logger)
	if err := service.Emit(context.Background(), EventTypeDownloadGrabbed, Subject{DownloadID: 1}, nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	e := echo.New()
	NewHandlers(service).RegisterRoutes(e.Group("/api/v1/history"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/history?eventType=download_grabbed", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /history status = %d, want 200", rec.Code)
	}
}
