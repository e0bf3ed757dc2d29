package mailbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// fakeGmail serves the handful of REST paths the client uses.
func fakeGmail(t *testing.T, historyStatus int) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":401,"message":"bad token"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/users/me/history"):
			if historyStatus != http.StatusOK {
				w.WriteHeader(historyStatus)
				_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found."}}`))
				return
			}
			if r.URL.Query().Get("startHistoryId") != "100" {
				t.Errorf("startHistoryId = %q", r.URL.Query().Get("startHistoryId"))
			}
			_, _ = w.Write([]byte(`{"history":[{"messagesAdded":[{"message":{"id":"m1"}},{"message":{"id":"m2"}}]},{"messagesAdded":[{"message":{"id":"m1"}}]}],"historyId":"120"}`))
		case strings.HasSuffix(path, "/users/me/messages") && r.Method == http.MethodGet:
			if q := r.URL.Query().Get("q"); q != fullResyncQuery {
				t.Errorf("q = %q", q)
			}
			_, _ = w.Write([]byte(`{"messages":[{"id":"m3"}]}`))
		case strings.HasSuffix(path, "/users/me/messages/m2"):
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"gone"}}`))
		case strings.Contains(path, "/users/me/messages/m") && !strings.Contains(path, "/modify") && !strings.Contains(path, "/trash"):
			id := path[strings.LastIndex(path, "/")+1:]
			_, _ = w.Write([]byte(`{"id":"` + id + `","threadId":"t","payload":{"mimeType":"text/plain","headers":[{"name":"Subject","value":"hello"}],"body":{"data":"Ym9keQ"}}}`))
		case strings.HasSuffix(path, "/modify"), strings.HasSuffix(path, "/trash"):
			_, _ = w.Write([]byte(`{"id":"m1"}`))
		case strings.HasSuffix(path, "/users/me/profile"):
			_, _ = w.Write([]byte(`{"emailAddress":"me@example.com","historyId":"130"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestGmailFetchChangesFromHistory(t *testing.T) {
	srv, _ := fakeGmail(t, http.StatusOK)
	c := NewGmailClient(srv.URL+"/", 50, zap.NewNop())

	msgs, err := c.FetchChanges(context.Background(), "tok", "me", "100")
	if err != nil {
		t.Fatalf("FetchChanges: %v", err)
	}
	// m1 deduplicated, m2 vanished
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("msgs = %+v", msgs)
	}
	content, err := c.ExtractContent(msgs[0])
	if err != nil || !strings.HasSuffix(content, "body") {
		t.Fatalf("content = %q, err = %v", content, err)
	}
}

func TestGmailFetchChangesInvalidCursor(t *testing.T) {
	srv, _ := fakeGmail(t, http.StatusNotFound)
	c := NewGmailClient(srv.URL+"/", 50, zap.NewNop())

	_, err := c.FetchChanges(context.Background(), "tok", "me", "100")
	if !errors.Is(err, ErrCursorInvalid) {
		t.Fatalf("err = %v, want ErrCursorInvalid", err)
	}

	_, err = c.FetchChanges(context.Background(), "tok", "me", "not-a-number")
	if !errors.Is(err, ErrCursorInvalid) {
		t.Fatalf("err = %v, want ErrCursorInvalid", err)
	}
}

func TestGmailFullResyncAndCursor(t *testing.T) {
	srv, _ := fakeGmail(t, http.StatusOK)
	c := NewGmailClient(srv.URL+"/", 50, zap.NewNop())

	msgs, err := c.FetchChanges(context.Background(), "tok", "me", "")
	if err != nil || len(msgs) != 1 || msgs[0].ID != "m3" {
		t.Fatalf("full resync = %+v, %v", msgs, err)
	}
	cursor, err := c.CurrentCursor(context.Background(), "tok", "me")
	if err != nil || cursor != "130" {
		t.Fatalf("cursor = %q, %v", cursor, err)
	}
}

func TestGmailAddress(t *testing.T) {
	srv, _ := fakeGmail(t, http.StatusOK)
	c := NewGmailClient(srv.URL+"/", 50, zap.NewNop())

	addr, err := c.Address(context.Background(), "tok")
	if err != nil || addr != "me@example.com" {
		t.Fatalf("address = %q, %v", addr, err)
	}
	if _, err := c.Address(context.Background(), "expired"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestGmailUnauthorized(t *testing.T) {
	srv, _ := fakeGmail(t, http.StatusOK)
	c := NewGmailClient(srv.URL+"/", 50, zap.NewNop())

	if _, err := c.FetchChanges(context.Background(), "expired", "me", "100"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if err := c.Delete(context.Background(), "expired", "me", "m1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("delete err = %v, want ErrUnauthorized", err)
	}
}

func TestGmailArchiveAndDelete(t *testing.T) {
	srv, calls := fakeGmail(t, http.StatusOK)
	c := NewGmailClient(srv.URL+"/", 50, zap.NewNop())

	if err := c.Archive(context.Background(), "tok", "me", "m1"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := c.Delete(context.Background(), "tok", "me", "m1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	joined := strings.Join(*calls, "\n")
	if !strings.Contains(joined, "POST /gmail/v1/users/me/messages/m1/modify") ||
		!strings.Contains(joined, "POST /gmail/v1/users/me/messages/m1/trash") {
		t.Fatalf("calls = %s", joined)
	}
}
