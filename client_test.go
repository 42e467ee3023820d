package omnibox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ============================================================================
// Request plumbing
// ============================================================================

func TestClientAuthAndQuery(t *testing.T) {
	var gotAuth string
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		respondOK(w, []Conversation{})
	}))
	t.Cleanup(srv.Close)

	sess := NewSession("secret-token")
	client := NewClient(sess, WithBaseURL(srv.URL))

	_, err := client.Conversations.List(context.Background(), &ListConversationsOptions{
		Search: "ada", Limit: 25, OnlyWithHistory: true,
	})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
	want := map[string]string{"search": "ada", "limit": "25", "onlyWithHistory": "true"}
	for k, v := range want {
		if gotQuery[k] != v {
			t.Errorf("query %s: expected %q, got %q", k, v, gotQuery[k])
		}
	}
}

func TestClientTokenRefreshPickedUp(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		respondOK(w, []Conversation{})
	}))
	t.Cleanup(srv.Close)

	sess := NewSession("old-token")
	client := NewClient(sess, WithBaseURL(srv.URL))
	sess.SetToken("new-token")

	if _, err := client.Conversations.List(context.Background(), nil); err != nil {
		t.Fatalf("List error: %v", err)
	}
	if gotAuth != "Bearer new-token" {
		t.Errorf("expected refreshed token on next call, got %q", gotAuth)
	}
}

// ============================================================================
// Error taxonomy
// ============================================================================

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErr(w, "NOT_FOUND", "no such conversation")
	}))
	t.Cleanup(srv.Close)

	client := NewClient(NewSession("tok"), WithBaseURL(srv.URL))
	_, err := client.Messages.List(context.Background(), "ghost", 0)

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Retryable {
		t.Error("gateway-rejected call must not be retryable")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected wrapped APIError, got %v", err)
	}
	if apiErr.Code != "NOT_FOUND" {
		t.Errorf("expected code NOT_FOUND, got %s", apiErr.Code)
	}
}

func TestClientNetworkErrorRetryable(t *testing.T) {
	// Nothing listening here.
	client := NewClient(NewSession("tok"),
		WithBaseURL("http://127.0.0.1:1"),
		WithTimeout(2*time.Second))

	_, err := client.Conversations.List(context.Background(), nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if !reqErr.Retryable {
		t.Error("network failure must be retryable")
	}
}

func TestClientMalformedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway timeout</html>"))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(NewSession("tok"), WithBaseURL(srv.URL))
	_, err := client.Conversations.List(context.Background(), nil)

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Retryable {
		t.Error("undecodable body must not be retryable")
	}
}

// ============================================================================
// Operations
// ============================================================================

func TestMessagesSendRequest(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		respondOK(w, Message{ID: "srv-1", ConversationID: "c1", Direction: DirectionOut,
			Content: got.Content, Status: StatusSent, CreatedAt: testBase})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(NewSession("tok"), WithBaseURL(srv.URL))
	msg, err := client.Messages.Send(context.Background(), "c1", "hello",
		&MediaRef{URL: "https://cdn.example.com/pic.jpg", Type: "image/jpeg"})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if got.ConversationID != "c1" || got.Content != "hello" {
		t.Errorf("unexpected request body: %+v", got)
	}
	if got.MediaURL != "https://cdn.example.com/pic.jpg" || got.MediaType != "image/jpeg" {
		t.Errorf("media not forwarded: %+v", got)
	}
	if msg.ID != "srv-1" {
		t.Errorf("unexpected response message: %+v", msg)
	}
}

func TestConversationsCreate(t *testing.T) {
	var got createConversationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		respondOK(w, Conversation{ID: "c-new", ContactID: got.ContactID,
			ChannelType: got.ChannelType, Status: ConversationOpen})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(NewSession("tok"), WithBaseURL(srv.URL))
	conv, err := client.Conversations.Create(context.Background(), "contact-1", ChannelTelegram)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if got.ContactID != "contact-1" || got.ChannelType != ChannelTelegram {
		t.Errorf("unexpected request body: %+v", got)
	}
	if conv.ID != "c-new" {
		t.Errorf("unexpected conversation: %+v", conv)
	}
}

// ============================================================================
// Result envelope
// ============================================================================

func TestResultDecode(t *testing.T) {
	t.Run("decodes data", func(t *testing.T) {
		raw, _ := json.Marshal(Conversation{ID: "c1", Status: ConversationOpen})
		res := Result{OK: true, Data: raw}
		var conv Conversation
		if err := res.Decode(&conv); err != nil {
			t.Fatalf("Decode error: %v", err)
		}
		if conv.ID != "c1" {
			t.Errorf("unexpected decoded value: %+v", conv)
		}
	})

	t.Run("nil data is a no-op", func(t *testing.T) {
		res := Result{OK: true}
		var conv Conversation
		if err := res.Decode(&conv); err != nil {
			t.Fatalf("Decode error: %v", err)
		}
	})
}
