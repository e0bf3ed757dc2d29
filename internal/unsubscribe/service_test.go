package unsubscribe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/classifier"
	"mailsync/internal/model"
	"mailsync/pkg/config"
	"mailsync/pkg/util"
)

type statusUpdate struct {
	id     string
	status model.UnsubscribeStatus
	link   *string
}

type fakeItems struct {
	items   []model.Item
	updates []statusUpdate
}

func (f *fakeItems) ListForOwner(_ context.Context, _ string, ids []string) ([]model.Item, error) {
	want := make(map[string]bool)
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Item
	for _, it := range f.items {
		if want[it.ID] {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeItems) UpdateUnsubscribe(_ context.Context, id string, status model.UnsubscribeStatus, link *string) error {
	f.updates = append(f.updates, statusUpdate{id: id, status: status, link: link})
	return nil
}

func (f *fakeItems) final(id string) model.UnsubscribeStatus {
	var s model.UnsubscribeStatus
	for _, u := range f.updates {
		if u.id == id {
			s = u.status
		}
	}
	return s
}

type fakeAccounts struct{}

func (fakeAccounts) Get(_ context.Context, id string) (*model.Account, error) {
	return &model.Account{ID: id, Address: "me@example.com"}, nil
}

type fakeLinks struct {
	link string
	err  error
}

func (f fakeLinks) ExtractUnsubscribeLink(context.Context, string) (string, error) {
	return f.link, f.err
}

type fakeExecutor struct {
	errs    map[string][]error
	calls   map[string]int
	address string
}

func (f *fakeExecutor) Execute(_ context.Context, link, address string) error {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.address = address
	n := f.calls[link]
	f.calls[link]++
	if errs := f.errs[link]; n < len(errs) {
		return errs[n]
	}
	return nil
}

func strPtr(s string) *string { return &s }

func testConfig() config.UnsubscribeConfig {
	return config.UnsubscribeConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func TestUnsubscribeOutcomes(t *testing.T) {
	items := &fakeItems{items: []model.Item{
		{ID: "header", AccountID: "a1", UnsubscribeLink: strPtr("https://list.example.com/u/1")},
		{ID: "flaky", AccountID: "a1", UnsubscribeLink: strPtr("https://flaky.example.com/u")},
		{ID: "nocontrol", AccountID: "a1", UnsubscribeLink: strPtr("https://static.example.com")},
		{ID: "content", AccountID: "a1", Content: "click here to unsubscribe"},
	}}
	exec := &fakeExecutor{errs: map[string][]error{
		"https://flaky.example.com/u": {ErrNotConfirmed, errors.New("net::ERR_TIMED_OUT")},
		"https://static.example.com":  {util.Permanent(ErrNoControl)},
	}}
	svc := NewService(items, fakeAccounts{}, fakeLinks{link: "https://mined.example.com/x"}, exec, testConfig(), zap.NewNop())

	report, err := svc.Unsubscribe(context.Background(), "o1", []string{"header", "flaky", "nocontrol", "content", "foreign"})
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if report.Requested != 5 || report.Skipped != 1 || len(report.Items) != 4 {
		t.Fatalf("report = %+v", report)
	}

	want := map[string]model.UnsubscribeStatus{
		"header":    model.UnsubscribeSuccess,
		"flaky":     model.UnsubscribeSuccess,
		"nocontrol": model.UnsubscribeFailed,
		"content":   model.UnsubscribeSuccess,
	}
	for id, status := range want {
		if got := items.final(id); got != status {
			t.Fatalf("%s: status = %q, want %q", id, got, status)
		}
	}
	if exec.calls["https://flaky.example.com/u"] != 3 {
		t.Fatalf("flaky link attempts = %d, want 3", exec.calls["https://flaky.example.com/u"])
	}
	if exec.calls["https://static.example.com"] != 1 {
		t.Fatalf("permanent failure retried %d times", exec.calls["https://static.example.com"])
	}
	if exec.calls["https://mined.example.com/x"] != 1 {
		t.Fatalf("classifier link not used: %v", exec.calls)
	}
	if exec.address != "me@example.com" {
		t.Fatalf("address = %q", exec.address)
	}
}

func TestUnsubscribeMarksPendingBeforeExecuting(t *testing.T) {
	items := &fakeItems{items: []model.Item{
		{ID: "i1", AccountID: "a1", UnsubscribeLink: strPtr("https://list.example.com/u/1")},
	}}
	svc := NewService(items, fakeAccounts{}, nil, &fakeExecutor{}, testConfig(), zap.NewNop())

	if _, err := svc.Unsubscribe(context.Background(), "o1", []string{"i1"}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if len(items.updates) != 2 {
		t.Fatalf("updates = %+v", items.updates)
	}
	first := items.updates[0]
	if first.status != model.UnsubscribePending || first.link == nil || *first.link != "https://list.example.com/u/1" {
		t.Fatalf("first update = %+v", first)
	}
	if items.updates[1].status != model.UnsubscribeSuccess {
		t.Fatalf("second update = %+v", items.updates[1])
	}
}

func TestUnsubscribeNotFound(t *testing.T) {
	tests := []struct {
		name  string
		item  model.Item
		links LinkExtractor
	}{
		{"no content", model.Item{ID: "i1"}, fakeLinks{link: "https://x"}},
		{"classifier finds nothing", model.Item{ID: "i1", Content: "hello"}, fakeLinks{}},
		{"classifier quota", model.Item{ID: "i1", Content: "hello"}, fakeLinks{err: classifier.ErrQuotaExceeded}},
		{"mailto only", model.Item{ID: "i1", UnsubscribeLink: strPtr("mailto:u@example.com")}, nil},
		{"non http answer", model.Item{ID: "i1", Content: "hello"}, fakeLinks{link: "NOT_FOUND"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := &fakeItems{items: []model.Item{tt.item}}
			exec := &fakeExecutor{}
			svc := NewService(items, fakeAccounts{}, tt.links, exec, testConfig(), zap.NewNop())

			report, err := svc.Unsubscribe(context.Background(), "o1", []string{"i1"})
			if err != nil {
				t.Fatalf("Unsubscribe: %v", err)
			}
			if report.Items[0].Status != model.UnsubscribeNotFound {
				t.Fatalf("status = %q", report.Items[0].Status)
			}
			if len(exec.calls) != 0 {
				t.Fatalf("executor called: %v", exec.calls)
			}
		})
	}
}

func TestHasSuccessMarker(t *testing.T) {
	if !hasSuccessMarker("You have been UNSUBSCRIBED from our list") {
		t.Fatal("expected marker")
	}
	if hasSuccessMarker("Click to unsubscribe") {
		t.Fatal("unexpected marker")
	}
}
