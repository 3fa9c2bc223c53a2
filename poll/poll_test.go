package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"interruption-alerts/chatdb"
	"interruption-alerts/chatdb/chatdbtest"
	"interruption-alerts/pkg/alert"
	"interruption-alerts/storage"
	"interruption-alerts/webhook"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var hour = alert.Window{Value: 1, Unit: alert.Hour}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSearcher struct {
	msgs []*alert.Message
	err  error
}

func (f *fakeSearcher) Search(context.Context, alert.Criteria) ([]*alert.Message, error) {
	return f.msgs, f.err
}

type memStore struct {
	ids       map[string]int
	hasErr    error
	recordErr error
}

func newMemStore(ids ...string) *memStore {
	s := &memStore{ids: map[string]int{}}
	for _, id := range ids {
		s.ids[id]++
	}
	return s
}

func (s *memStore) Has(_ context.Context, id string) (bool, error) {
	return s.ids[id] > 0, s.hasErr
}

func (s *memStore) Record(_ context.Context, id string) error {
	if s.recordErr != nil {
		return s.recordErr
	}
	s.ids[id]++
	return nil
}

type fakeNotifier struct {
	sent []*alert.Message
	fail map[string]bool
}

func (n *fakeNotifier) Send(_ context.Context, msg *alert.Message) (string, error) {
	if n.fail[msg.ID] {
		return "", &webhook.DeliveryError{StatusCode: http.StatusInternalServerError}
	}
	n.sent = append(n.sent, msg)
	return "ok", nil
}

func msgAt(id, sender string, ago time.Duration, now time.Time) *alert.Message {
	return &alert.Message{ID: id, Sender: sender, SentAt: now.Add(-ago), Text: "water supply interrupted"}
}

func TestLatestKeepsOnePerSender(t *testing.T) {
	now := time.Now()
	msgs := []*alert.Message{
		msgAt("1", "+15550000001", 50*time.Minute, now),
		msgAt("2", "+15550000001", 10*time.Minute, now),
		msgAt("3", "+15550000001", 30*time.Minute, now),
		msgAt("4", "+15550000002", 20*time.Minute, now),
		msgAt("5", "chat99", 5*time.Minute, now),
	}

	got := Latest(msgs)
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	if want := "5,2,4"; strings.Join(ids, ",") != want {
		t.Errorf("Latest() ids = %v, want %s", ids, want)
	}
}

func TestLatestTieBreaksOnID(t *testing.T) {
	now := time.Now()
	got := Latest([]*alert.Message{
		msgAt("9", "+15550000001", time.Minute, now),
		msgAt("10", "+15550000001", time.Minute, now),
	})
	if len(got) != 1 || got[0].ID != "10" {
		t.Errorf("Latest() = %+v, want message 10", got)
	}
}

func TestLatestEmpty(t *testing.T) {
	if got := Latest(nil); len(got) != 0 {
		t.Errorf("Latest(nil) = %v", got)
	}
}

func TestRunNotifiesOncePerSender(t *testing.T) {
	now := time.Now()
	searcher := &fakeSearcher{msgs: []*alert.Message{
		msgAt("1", "+15550000001", 40*time.Minute, now),
		msgAt("2", "+15550000001", 20*time.Minute, now),
		msgAt("3", "+15550000001", 5*time.Minute, now),
	}}
	store := newMemStore()
	notifier := &fakeNotifier{}

	report, err := New(searcher, store, notifier, discard()).Run(context.Background(), alert.Criteria{Window: hour})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Found != 1 || report.Notified != 1 {
		t.Errorf("report = %+v, want 1 found and 1 notified", report)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].ID != "3" {
		t.Errorf("sent = %+v, want only the latest message", notifier.sent)
	}
}

func TestRunReportCarriesCriteria(t *testing.T) {
	now := time.Now()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	criteria := alert.Criteria{Window: hour, Keywords: []string{"interrupted", "Water supply"}}

	report, err := New(&fakeSearcher{msgs: []*alert.Message{msgAt("1", "+15550000001", time.Minute, now)}},
		newMemStore(), &fakeNotifier{}, logger).Run(context.Background(), criteria)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Window != hour || strings.Join(report.Keywords, ",") != "interrupted,Water supply" {
		t.Errorf("report = %+v, want the run's window and keywords", report)
	}
	if !strings.Contains(buf.String(), `keywords="interrupted, Water supply"`) || !strings.Contains(buf.String(), `window="1 hour"`) {
		t.Errorf("summary log missing window or keywords:\n%s", buf.String())
	}
}

func TestRunSkipsAlreadyNotified(t *testing.T) {
	now := time.Now()
	searcher := &fakeSearcher{msgs: []*alert.Message{
		msgAt("1", "+15550000001", time.Minute, now),
		msgAt("2", "+15550000002", time.Minute, now),
	}}
	store := newMemStore("1")
	notifier := &fakeNotifier{}

	report, err := New(searcher, store, notifier, discard()).Run(context.Background(), alert.Criteria{Window: hour})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Skipped != 1 || report.Notified != 1 {
		t.Errorf("report = %+v", report)
	}
	if store.ids["1"] != 1 {
		t.Errorf("already-notified id recorded %d times, want 1", store.ids["1"])
	}
}

func TestRunDeliveryFailureLeavesMessageUnrecorded(t *testing.T) {
	now := time.Now()
	searcher := &fakeSearcher{msgs: []*alert.Message{
		msgAt("1", "+15550000001", time.Minute, now),
		msgAt("2", "+15550000002", 2*time.Minute, now),
	}}
	store := newMemStore()
	notifier := &fakeNotifier{fail: map[string]bool{"1": true}}

	report, err := New(searcher, store, notifier, discard()).Run(context.Background(), alert.Criteria{Window: hour})
	if err != nil {
		t.Fatalf("Run() should not fail on delivery errors: %v", err)
	}
	if report.Failed != 1 || report.Notified != 1 {
		t.Errorf("report = %+v, want 1 failed and 1 notified", report)
	}
	if store.ids["1"] != 0 {
		t.Error("failed delivery must not be recorded")
	}
	if store.ids["2"] != 1 {
		t.Error("successful delivery after a failure should still be recorded")
	}
}

func TestRunFatalErrors(t *testing.T) {
	now := time.Now()
	one := []*alert.Message{msgAt("1", "+15550000001", time.Minute, now)}
	boom := errors.New("boom")

	tests := []struct {
		name     string
		searcher *fakeSearcher
		store    *memStore
	}{
		{name: "search", searcher: &fakeSearcher{err: boom}, store: newMemStore()},
		{name: "has", searcher: &fakeSearcher{msgs: one}, store: &memStore{ids: map[string]int{}, hasErr: boom}},
		{name: "record", searcher: &fakeSearcher{msgs: one}, store: &memStore{ids: map[string]int{}, recordErr: boom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.searcher, tt.store, &fakeNotifier{}, discard()).Run(context.Background(), alert.Criteria{Window: hour})
			if !errors.Is(err, boom) {
				t.Errorf("Run() error = %v, want wrapped boom", err)
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	notifier := &fakeNotifier{}
	searcher := &fakeSearcher{msgs: []*alert.Message{msgAt("1", "+15550000001", time.Minute, now)}}
	_, err := New(searcher, newMemStore(), notifier, discard()).Run(ctx, alert.Criteria{Window: hour})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if len(notifier.sent) != 0 {
		t.Error("nothing should be sent after cancellation")
	}
}

func TestSummary(t *testing.T) {
	tests := []struct {
		found int
		want  string
	}{
		{0, "No new messages containing any of the keywords found in the last 1 hour"},
		{1, "1 message found"},
		{3, "3 messages found"},
	}
	for _, tt := range tests {
		if got := Summary(&alert.Report{Found: tt.found, Window: hour}); got != tt.want {
			t.Errorf("Summary(found=%d) = %q, want %q", tt.found, got, tt.want)
		}
	}
}

// TestEndToEnd runs the real message store, file state and webhook sender twice over
// the same data: the first run notifies, the second only skips.
func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	fixture := chatdbtest.New(t)
	id := fixture.Insert(chatdbtest.Message{
		Handle: "+11234567890",
		Text:   "Water supply interrupted",
		At:     now.Add(-30 * time.Minute),
	})

	var posts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		posts = append(posts, body.Text)
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	logger := discard()
	db, err := chatdb.Open(ctx, fixture.Path, time.Local, logger)
	if err != nil {
		t.Fatalf("chatdb.Open() error: %v", err)
	}
	defer db.Close()

	statePath := filepath.Join(t.TempDir(), "notified-alerts.txt")
	criteria := alert.Criteria{
		Keywords: []string{"interrupted", "Water supply"},
		Window:   hour,
		Now:      now,
	}
	sender := webhook.New(webhook.NewHTTPProvider(srv.URL, time.Second, logger), logger)

	run := func() *alert.Report {
		t.Helper()
		store, err := storage.Open(ctx, storage.Config{Driver: storage.DriverFile, Path: statePath}, logger)
		if err != nil {
			t.Fatalf("storage.Open() error: %v", err)
		}
		defer store.Close()
		report, err := New(db, store, sender, logger).Run(ctx, criteria)
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		return report
	}

	first := run()
	if first.Found != 1 || first.Notified != 1 {
		t.Fatalf("first run report = %+v, want 1 found and notified", first)
	}
	if Summary(first) != "1 message found" {
		t.Errorf("Summary() = %q", Summary(first))
	}
	if len(posts) != 1 || !strings.Contains(posts[0], "`123-456-7890`") {
		t.Fatalf("webhook posts = %q, want one post from 123-456-7890", posts)
	}

	second := run()
	if second.Found != 1 || second.Skipped != 1 || second.Notified != 0 {
		t.Errorf("second run report = %+v, want found and skipped", second)
	}
	if len(posts) != 1 {
		t.Errorf("webhook called %d times across runs, want 1", len(posts))
	}

	store, err := storage.Open(ctx, storage.Config{Path: statePath}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if ok, _ := store.Has(ctx, id); !ok {
		t.Errorf("message %s not recorded", id)
	}
}
