package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/HyphaGroup/portcullis/internal/codex"
	"github.com/HyphaGroup/portcullis/internal/session"
)

func TestThreads_List(t *testing.T) {
	handler, _ := newGateway(t, testConfig(), session.Options{}, func(f *fakeClient) {
		f.listPage = &codex.ThreadPage{
			Data: []codex.ThreadSummary{
				{ID: "th_1", Preview: "first chat", CreatedAt: json.RawMessage(`"2026-08-01T10:00:00Z"`)},
				{ID: "th_2", Preview: "second chat"},
			},
			NextCursor: "cur_next",
		}
	})

	var resp ThreadsResponse
	rec := getJSON(t, handler, "/threads", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %v, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(resp.Threads) != 2 {
		t.Fatalf("len(threads) = %d, want 2", len(resp.Threads))
	}
	if resp.Threads[0].ThreadID != "th_1" || resp.Threads[0].Preview != "first chat" {
		t.Errorf("threads[0] = %+v", resp.Threads[0])
	}
	if string(resp.Threads[0].CreatedAt) != `"2026-08-01T10:00:00Z"` {
		t.Errorf("created_at = %s", resp.Threads[0].CreatedAt)
	}
	if resp.NextCursor != "cur_next" {
		t.Errorf("next_cursor = %q, want cur_next", resp.NextCursor)
	}
}

func TestThreads_LimitHandling(t *testing.T) {
	handler, r := newGateway(t, testConfig(), session.Options{}, nil)

	tests := []struct {
		url  string
		want int
	}{
		{"/threads", 50},
		{"/threads?limit=5", 5},
		{"/threads?limit=999", 200},
		{"/threads?limit=0", 1},
	}

	for _, tt := range tests {
		rec := getJSON(t, handler, tt.url, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: Status = %v, want 200", tt.url, rec.Code)
		}
	}

	r.mu.Lock()
	client := r.clients[0]
	r.mu.Unlock()
	client.mu.Lock()
	seen := append([]listCall(nil), client.listSeen...)
	client.mu.Unlock()

	if len(seen) != len(tests) {
		t.Fatalf("list calls = %d, want %d", len(seen), len(tests))
	}
	for i, tt := range tests {
		if seen[i].limit != tt.want {
			t.Errorf("%s: upstream limit = %d, want %d", tt.url, seen[i].limit, tt.want)
		}
	}
}

func TestThreads_InvalidLimit(t *testing.T) {
	handler, _ := newGateway(t, testConfig(), session.Options{}, nil)

	rec := getJSON(t, handler, "/threads?limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Status = %v, want 400", rec.Code)
	}
}

func TestThreads_CursorPassedThrough(t *testing.T) {
	handler, r := newGateway(t, testConfig(), session.Options{}, nil)

	rec := getJSON(t, handler, "/threads?cursor=cur_42", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %v, want 200", rec.Code)
	}

	r.mu.Lock()
	client := r.clients[0]
	r.mu.Unlock()
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.listSeen) != 1 || client.listSeen[0].cursor != "cur_42" {
		t.Errorf("list calls = %+v, want cursor cur_42", client.listSeen)
	}
}

func TestHistory_OK(t *testing.T) {
	turns := json.RawMessage(`[{"items":[{"type":"agentMessage","text":"the story so far"}]}]`)
	handler, _ := newGateway(t, testConfig(), session.Options{}, func(f *fakeClient) {
		f.readDetail = &codex.ThreadDetail{
			ID:        "th_hist",
			Turns:     turns,
			CreatedAt: json.RawMessage(`"2026-08-02T09:00:00Z"`),
		}
	})

	var resp HistoryResponse
	rec := getJSON(t, handler, "/history?thread_id=th_hist", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %v, want 200: %s", rec.Code, rec.Body.String())
	}
	if resp.ThreadID != "th_hist" {
		t.Errorf("thread_id = %q, want th_hist", resp.ThreadID)
	}
	if resp.Preview != "the story so far" {
		t.Errorf("preview = %q, want derived from first agent message", resp.Preview)
	}
	if string(resp.Turns) != string(turns) {
		t.Errorf("turns = %s", resp.Turns)
	}
}

func TestHistory_PreviewFallsBackToUpstream(t *testing.T) {
	handler, _ := newGateway(t, testConfig(), session.Options{}, func(f *fakeClient) {
		f.readDetail = &codex.ThreadDetail{
			ID:      "th_hist",
			Preview: "upstream preview",
			Turns:   json.RawMessage(`[]`),
		}
	})

	var resp HistoryResponse
	getJSON(t, handler, "/history?thread_id=th_hist", &resp)
	if resp.Preview != "upstream preview" {
		t.Errorf("preview = %q, want upstream preview", resp.Preview)
	}
}

func TestHistory_NotFound(t *testing.T) {
	handler, _ := newGateway(t, testConfig(), session.Options{}, nil)

	rec := getJSON(t, handler, "/history?thread_id=th_ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Status = %v, want 404: %s", rec.Code, rec.Body.String())
	}
	if got := decodeDetail(t, rec); got != "Thread not found: th_ghost" {
		t.Errorf("detail = %q", got)
	}
}

func TestHistory_MissingThreadID(t *testing.T) {
	handler, _ := newGateway(t, testConfig(), session.Options{}, nil)

	rec := getJSON(t, handler, "/history", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Status = %v, want 400", rec.Code)
	}
	if got := decodeDetail(t, rec); got != "thread_id is required" {
		t.Errorf("detail = %q", got)
	}
}

func TestHistory_InvalidThreadID(t *testing.T) {
	handler, _ := newGateway(t, testConfig(), session.Options{}, nil)

	rec := getJSON(t, handler, "/history?thread_id=th%0Abad", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Status = %v, want 400", rec.Code)
	}
	if got := decodeDetail(t, rec); got != "Invalid thread_id" {
		t.Errorf("detail = %q", got)
	}
}

func TestThreads_SameUserReusesSession(t *testing.T) {
	handler, r := newGateway(t, testConfig(), session.Options{}, nil)

	for i := 0; i < 3; i++ {
		rec := getJSON(t, handler, "/threads", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: Status = %v, want 200", i, rec.Code)
		}
	}

	if users := r.spawnedUsers(); len(users) != 1 {
		t.Errorf("spawned %d sessions, want 1: %v", len(users), users)
	}
}
