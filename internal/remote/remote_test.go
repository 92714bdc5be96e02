package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ecanizales/campaigner/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func TestAssignmentsConsumeReadBeforeDelete(t *testing.T) {
	var mu sync.Mutex
	var order []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.Method)
		mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(domain.WorkAssignment{
				Targets: []domain.Target{{Phone: "5215512345678", Name: "Ana"}},
			})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	persisted := false
	assignments := NewAssignments(NewClient(srv.URL, testLogger()))
	wa, err := assignments.Consume(context.Background(), "erick", "demo", func(wa *domain.WorkAssignment) error {
		mu.Lock()
		order = append(order, "PERSIST")
		mu.Unlock()
		persisted = len(wa.Targets) == 1
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !persisted {
		t.Fatal("persist callback did not receive the assignment content")
	}
	if wa.AgentID != "erick" || wa.CampaignID != "demo" {
		t.Errorf("assignment not scoped: %+v", wa)
	}

	want := []string{"GET", "PERSIST", "DELETE"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("expected read-before-delete ordering %v, got %v", want, order)
	}
}

func TestAssignmentsConsumePersistFailureLeavesAssignment(t *testing.T) {
	deleted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = true
		}
		_ = json.NewEncoder(w).Encode(domain.WorkAssignment{})
	}))
	defer srv.Close()

	assignments := NewAssignments(NewClient(srv.URL, testLogger()))
	_, err := assignments.Consume(context.Background(), "erick", "demo", func(*domain.WorkAssignment) error {
		return errors.New("disk full")
	})
	if err == nil {
		t.Fatal("expected persist error to propagate")
	}
	if deleted {
		t.Fatal("assignment must not be deleted when persist fails")
	}
}

func TestAssignmentsFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	assignments := NewAssignments(NewClient(srv.URL, testLogger()))
	_, err := assignments.Fetch(context.Background(), "erick", "demo")
	if !errors.Is(err, ErrNoAssignment) {
		t.Fatalf("expected ErrNoAssignment, got %v", err)
	}
}

func TestBackupsLatestWithin(t *testing.T) {
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	threeBack := backupPath("demo", "erick", now.AddDate(0, 0, -3))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == threeBack {
			_ = json.NewEncoder(w).Encode(domain.BackupBundle{AgentID: "erick", CampaignID: "demo", TotalConversations: 2})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	backups := NewBackups(NewClient(srv.URL, testLogger()))
	backups.now = func() time.Time { return now }

	bundle, daysBack, err := backups.LatestWithin(context.Background(), "erick", "demo", 4)
	if err != nil {
		t.Fatalf("latest-within: %v", err)
	}
	if daysBack != 3 {
		t.Errorf("expected daysBack=3, got %d", daysBack)
	}
	if bundle.TotalConversations != 2 {
		t.Errorf("wrong bundle decoded: %+v", bundle)
	}
}

func TestBackupsLatestWithinEmptyWindow(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	backups := NewBackups(NewClient(srv.URL, testLogger()))
	_, _, err := backups.LatestWithin(context.Background(), "erick", "demo", 4)
	if !errors.Is(err, ErrNoBackup) {
		t.Fatalf("expected ErrNoBackup, got %v", err)
	}
}

func TestCredentialsRotate(t *testing.T) {
	stored := []domain.Credential{
		{CampaignID: "demo", UserID: "Erick", Passphrase: "sol-brillante-2024"},
		{CampaignID: "demo", UserID: "maria", Passphrase: "luna-azul-2024"},
	}
	var putRows []domain.Credential

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(stored)
		case http.MethodPut:
			_ = json.NewDecoder(r.Body).Decode(&putRows)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	creds := NewCredentials(NewClient(srv.URL, testLogger()))
	audit, err := creds.Rotate(context.Background(), "demo")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if len(audit) != 2 || len(putRows) != 2 {
		t.Fatalf("expected 2 rotated rows, audit=%d put=%d", len(audit), len(putRows))
	}
	change, ok := audit["erick"]
	if !ok {
		t.Fatal("audit map must be keyed by lowercased user")
	}
	if change.Old != "sol-brillante-2024" {
		t.Errorf("old passphrase not preserved in audit: %+v", change)
	}

	phraseForm := regexp.MustCompile(`^[a-z]+-[a-z]+-\d{4}$`)
	for user, ch := range audit {
		if !phraseForm.MatchString(ch.New) {
			t.Errorf("rotated passphrase for %s not in pool form: %q", user, ch.New)
		}
		if ch.New == ch.Old {
			t.Errorf("passphrase for %s did not change", user)
		}
	}
}

func TestCRMResultCodesCached(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode([]ResultCode{{Code: "SD-07", Label: "mensaje enviado"}})
	}))
	defer srv.Close()

	crm := NewCRM(NewClient(srv.URL, testLogger()))
	for i := 0; i < 3; i++ {
		codes, err := crm.ResultCodes(context.Background(), "demo")
		if err != nil {
			t.Fatalf("result codes: %v", err)
		}
		if len(codes) != 1 {
			t.Fatalf("expected 1 code, got %d", len(codes))
		}
	}
	if hits != 1 {
		t.Errorf("expected a single upstream hit, got %d", hits)
	}
}

func TestConnectionErrorClassification(t *testing.T) {
	// Nothing listens here.
	creds := NewCredentials(NewClient("http://127.0.0.1:1", testLogger()))
	_, err := creds.For(context.Background(), "demo")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestMediaPutReturnsDurableURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("content type not forwarded: %s", r.Header.Get("Content-Type"))
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://media.example/abc.jpg"})
	}))
	defer srv.Close()

	media := NewMedia(NewClient(srv.URL, testLogger()))
	u, err := media.Put(context.Background(), "demo", "erick", "abc.jpg", "image/jpeg", []byte{0xff, 0xd8})
	if err != nil {
		t.Fatalf("put media: %v", err)
	}
	if u != "https://media.example/abc.jpg" {
		t.Errorf("unexpected url %q", u)
	}
}
