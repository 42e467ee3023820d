package omnibox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func inboundAt(id, conversationID string, sec int) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		Direction:      DirectionIn,
		Content:        "msg " + id,
		Status:         StatusSent,
		CreatedAt:      testBase.Add(time.Duration(sec) * time.Second),
	}
}

func respondOK(w http.ResponseWriter, v interface{}) {
	var data json.RawMessage
	if v != nil {
		data, _ = json.Marshal(v)
	}
	json.NewEncoder(w).Encode(Result{OK: true, Data: data})
}

func respondErr(w http.ResponseWriter, code, msg string) {
	json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: code, Message: msg}})
}

func newTestInbox(t *testing.T, handler http.Handler, opts ...InboxOption) *Inbox {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sess := NewSession("test-token")
	client := NewClient(sess, WithBaseURL(srv.URL))
	return NewInbox(client, opts...)
}

// checkUnreadInvariant asserts the aggregate equals the per-conversation sum.
func checkUnreadInvariant(t *testing.T, in *Inbox) {
	t.Helper()
	sum := 0
	for _, c := range in.Conversations() {
		sum += c.UnreadCount
	}
	if got := in.AggregateUnread(); got != sum {
		t.Fatalf("aggregate unread = %d, per-conversation sum = %d", got, sum)
	}
}

// ============================================================================
// Timeline
// ============================================================================

func TestTimelineUpsertDedup(t *testing.T) {
	tl := newTimeline()
	m := inboundAt("m1", "c1", 1)

	if !tl.upsert(m) {
		t.Fatal("first upsert should insert")
	}
	if tl.upsert(m) {
		t.Fatal("second upsert of same identity should be a no-op")
	}
	if len(tl.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(tl.entries))
	}
}

func TestTimelineOrdering(t *testing.T) {
	tl := newTimeline()
	// Arrival order deliberately shuffled relative to createdAt.
	tl.upsert(inboundAt("m3", "c1", 30))
	tl.upsert(inboundAt("m1", "c1", 10))
	tl.upsert(inboundAt("m2", "c1", 20))

	snap := tl.snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if snap[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, snap[i].ID)
		}
	}
}

func TestTimelineConfirm(t *testing.T) {
	t.Run("replaces optimistic entry", func(t *testing.T) {
		tl := newTimeline()
		tl.upsert(Message{TempID: "tmp-1", Direction: DirectionOut, Content: "hi",
			Status: StatusPending, CreatedAt: testBase})

		tl.confirm("tmp-1", Message{ID: "srv-1", Direction: DirectionOut,
			Content: "hi", Status: StatusSent, CreatedAt: testBase.Add(time.Second)})

		snap := tl.snapshot()
		if len(snap) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(snap))
		}
		if snap[0].ID != "srv-1" || snap[0].TempID != "" {
			t.Errorf("expected server record, got %+v", snap[0])
		}
		if _, ok := tl.index["tmp-1"]; ok {
			t.Error("optimistic entry still indexed after confirm")
		}
	})

	t.Run("drops optimistic entry when echo arrived first", func(t *testing.T) {
		tl := newTimeline()
		tl.upsert(Message{TempID: "tmp-1", Content: "hi", Status: StatusPending, CreatedAt: testBase})
		// Server copy arrives through the push path before the send response.
		tl.upsert(inboundAt("srv-1", "c1", 1))

		tl.confirm("tmp-1", inboundAt("srv-1", "c1", 1))

		snap := tl.snapshot()
		if len(snap) != 1 || snap[0].ID != "srv-1" {
			t.Fatalf("expected only the server copy, got %+v", snap)
		}
	})

	t.Run("keeps local createdAt when server omits it", func(t *testing.T) {
		tl := newTimeline()
		tl.upsert(Message{TempID: "tmp-1", Content: "hi", Status: StatusPending, CreatedAt: testBase})

		tl.confirm("tmp-1", Message{ID: "srv-1", Content: "hi", Status: StatusSent})

		snap := tl.snapshot()
		if !snap[0].CreatedAt.Equal(testBase) {
			t.Errorf("expected createdAt %v, got %v", testBase, snap[0].CreatedAt)
		}
	})

	t.Run("inserts server record when no optimistic entry exists", func(t *testing.T) {
		tl := newTimeline()
		tl.confirm("tmp-unknown", inboundAt("srv-1", "c1", 1))
		if len(tl.snapshot()) != 1 {
			t.Fatal("expected server record inserted")
		}
	})
}

// ============================================================================
// Merge primitives
// ============================================================================

func TestApplyNewMessageIdempotent(t *testing.T) {
	in := newTestInbox(t, http.NotFoundHandler())
	ev := NewMessageEvent{ConversationID: "c1", Message: inboundAt("m1", "c1", 1)}

	// Same event delivered through push, then again through the poll echo.
	in.ApplyNewMessage(ev)
	in.ApplyNewMessage(ev)
	in.ApplyNewMessage(ev)

	if got := len(in.Timeline("c1")); got != 1 {
		t.Fatalf("expected 1 visible entry after triple delivery, got %d", got)
	}
	c, ok := in.Conversation("c1")
	if !ok {
		t.Fatal("conversation not created")
	}
	if c.UnreadCount != 1 {
		t.Errorf("expected unread 1 after duplicate delivery, got %d", c.UnreadCount)
	}
	checkUnreadInvariant(t, in)
}

func TestApplyNewMessageDirection(t *testing.T) {
	in := newTestInbox(t, http.NotFoundHandler())

	in.ApplyNewMessage(NewMessageEvent{ConversationID: "c1", Message: inboundAt("m1", "c1", 1)})
	out := inboundAt("m2", "c1", 2)
	out.Direction = DirectionOut
	in.ApplyNewMessage(NewMessageEvent{ConversationID: "c1", Message: out})

	c, _ := in.Conversation("c1")
	if c.UnreadCount != 1 {
		t.Errorf("outbound message must not count as unread, got %d", c.UnreadCount)
	}
	if !c.LastMessageAt.Equal(out.CreatedAt) {
		t.Errorf("expected lastMessageAt %v, got %v", out.CreatedAt, c.LastMessageAt)
	}
}

func TestApplyNewMessageEmbeddedConversation(t *testing.T) {
	in := newTestInbox(t, http.NotFoundHandler())
	ev := NewMessageEvent{
		ConversationID: "c1",
		Message:        inboundAt("m1", "c1", 1),
		Conversation: &Conversation{
			ID: "c1", ChannelType: ChannelWhatsApp, ContactName: "Ada",
			Status: ConversationOpen,
		},
	}
	in.ApplyNewMessage(ev)

	c, _ := in.Conversation("c1")
	if c.ContactName != "Ada" || c.ChannelType != ChannelWhatsApp {
		t.Errorf("embedded conversation not merged: %+v", c)
	}
}

func TestApplyNewMessageEmbeddedUnreadAuthoritative(t *testing.T) {
	in := newTestInbox(t, http.NotFoundHandler())
	ev := NewMessageEvent{
		ConversationID: "c1",
		Message:        inboundAt("m1", "c1", 1),
		Conversation: &Conversation{ID: "c1", UnreadCount: 3,
			LastMessageAt: testBase.Add(time.Second), Status: ConversationOpen},
	}

	// The embedded summary already counts the message: no local increment.
	in.ApplyNewMessage(ev)
	c, _ := in.Conversation("c1")
	if c.UnreadCount != 3 {
		t.Fatalf("expected server-asserted unread 3 after first delivery, got %d", c.UnreadCount)
	}

	// Redelivery of the same event must leave everything untouched.
	in.ApplyNewMessage(ev)
	in.ApplyNewMessage(ev)
	c, _ = in.Conversation("c1")
	if c.UnreadCount != 3 {
		t.Fatalf("unread changed on duplicate delivery: got %d", c.UnreadCount)
	}
	if got := len(in.Timeline("c1")); got != 1 {
		t.Fatalf("expected 1 timeline entry, got %d", got)
	}
	checkUnreadInvariant(t, in)
}

func TestApplyMessageStatus(t *testing.T) {
	in := newTestInbox(t, http.NotFoundHandler())
	in.ApplyNewMessage(NewMessageEvent{ConversationID: "c1", Message: inboundAt("m1", "c1", 1)})

	in.ApplyMessageStatus(MessageStatusEvent{MessageID: "m1", ConversationID: "c1", Status: StatusRead})
	if got := in.Timeline("c1")[0].Status; got != StatusRead {
		t.Errorf("expected status read, got %s", got)
	}

	// Unknown message and unknown conversation are both ignored.
	in.ApplyMessageStatus(MessageStatusEvent{MessageID: "ghost", ConversationID: "c1", Status: StatusRead})
	in.ApplyMessageStatus(MessageStatusEvent{MessageID: "m1", ConversationID: "ghost", Status: StatusRead})
}

func TestApplyConversationUpdate(t *testing.T) {
	in := newTestInbox(t, http.NotFoundHandler())
	in.ApplyNewMessage(NewMessageEvent{ConversationID: "c1", Message: inboundAt("m1", "c1", 1)})

	closed := ConversationClosed
	name := "Grace"
	at := testBase.Add(time.Hour)
	in.ApplyConversationUpdate(ConversationUpdateEvent{
		ConversationID: "c1",
		Updates:        ConversationUpdates{Status: &closed, ContactName: &name, LastMessageAt: &at},
	})

	c, _ := in.Conversation("c1")
	if c.Status != ConversationClosed || c.ContactName != "Grace" || !c.LastMessageAt.Equal(at) {
		t.Errorf("update not applied: %+v", c)
	}

	// Nil fields leave the rest untouched.
	reopened := ConversationOpen
	in.ApplyConversationUpdate(ConversationUpdateEvent{
		ConversationID: "c1",
		Updates:        ConversationUpdates{Status: &reopened},
	})
	c, _ = in.Conversation("c1")
	if c.ContactName != "Grace" {
		t.Errorf("partial update clobbered contactName: %+v", c)
	}
}

func TestApplyUnreadCount(t *testing.T) {
	in := newTestInbox(t, http.NotFoundHandler())
	in.ApplyNewMessage(NewMessageEvent{ConversationID: "c1", Message: inboundAt("m1", "c1", 1)})
	in.ApplyNewMessage(NewMessageEvent{ConversationID: "c2", Message: inboundAt("m2", "c2", 2)})

	five := 5
	in.ApplyUnreadCount(UnreadCountEvent{TotalUnread: 6, ConversationID: "c1", UnreadCount: &five})

	c, _ := in.Conversation("c1")
	if c.UnreadCount != 5 {
		t.Errorf("expected corrected unread 5, got %d", c.UnreadCount)
	}
	// The aggregate stays derived from the per-conversation counts even when
	// the server-reported total diverges.
	if got := in.AggregateUnread(); got != 6 {
		t.Errorf("expected aggregate 6, got %d", got)
	}
	if got := in.ReportedUnread(); got != 6 {
		t.Errorf("expected reported total 6, got %d", got)
	}

	// A divergent server total is recorded but never partially applied.
	in.ApplyUnreadCount(UnreadCountEvent{TotalUnread: 9})
	if got := in.ReportedUnread(); got != 9 {
		t.Errorf("expected reported total 9, got %d", got)
	}
	if got := in.AggregateUnread(); got != 6 {
		t.Errorf("divergent total leaked into aggregate: got %d", got)
	}
	checkUnreadInvariant(t, in)
}

func TestApplyConversationRead(t *testing.T) {
	in := newTestInbox(t, http.NotFoundHandler())
	in.ApplyNewMessage(NewMessageEvent{ConversationID: "c1", Message: inboundAt("m1", "c1", 1)})

	in.ApplyConversationRead(ConversationReadEvent{ConversationID: "c1"})
	c, _ := in.Conversation("c1")
	if c.UnreadCount != 0 {
		t.Errorf("expected unread 0 after read event, got %d", c.UnreadCount)
	}
	checkUnreadInvariant(t, in)
}

func TestApplyTyping(t *testing.T) {
	in := newTestInbox(t, http.NotFoundHandler())

	in.ApplyTyping(TypingEvent{ConversationID: "c1", IsTyping: true})
	if !in.IsTyping("c1") {
		t.Error("expected typing indicator set")
	}
	in.ApplyTyping(TypingEvent{ConversationID: "c1", IsTyping: false})
	if in.IsTyping("c1") {
		t.Error("expected typing indicator cleared")
	}
}

func TestConversationsOrdering(t *testing.T) {
	in := newTestInbox(t, http.NotFoundHandler())
	in.ApplyNewMessage(NewMessageEvent{ConversationID: "old", Message: inboundAt("m1", "old", 10)})
	in.ApplyNewMessage(NewMessageEvent{ConversationID: "new", Message: inboundAt("m2", "new", 30)})
	in.ApplyNewMessage(NewMessageEvent{ConversationID: "mid", Message: inboundAt("m3", "mid", 20)})

	list := in.Conversations()
	for i, want := range []string{"new", "mid", "old"} {
		if list[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, list[i].ID)
		}
	}
}

func TestOnChange(t *testing.T) {
	in := newTestInbox(t, http.NotFoundHandler())
	var fired int32
	in.OnChange(func() { atomic.AddInt32(&fired, 1) })

	in.ApplyNewMessage(NewMessageEvent{ConversationID: "c1", Message: inboundAt("m1", "c1", 1)})
	if atomic.LoadInt32(&fired) == 0 {
		t.Error("expected change notification after merge")
	}
}

// ============================================================================
// Refresh
// ============================================================================

func TestRefresh(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/inbox/conversations", func(w http.ResponseWriter, r *http.Request) {
		respondOK(w, []Conversation{
			{ID: "c1", ChannelType: ChannelWhatsApp, ContactName: "Ada",
				LastMessageAt: testBase.Add(time.Minute), UnreadCount: 2, Status: ConversationOpen},
			{ID: "c2", ChannelType: ChannelEmail, ContactName: "Grace",
				LastMessageAt: testBase, UnreadCount: 0, Status: ConversationOpen},
		})
	})
	in := newTestInbox(t, mux)

	if err := in.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	list := in.Conversations()
	if len(list) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(list))
	}
	if list[0].ID != "c1" {
		t.Errorf("expected c1 first (newest), got %s", list[0].ID)
	}
	if in.AggregateUnread() != 2 {
		t.Errorf("expected aggregate unread 2, got %d", in.AggregateUnread())
	}
	if in.Loading() {
		t.Error("loading flag stuck after refresh")
	}
	if in.LastError() != nil {
		t.Errorf("expected lastErr cleared, got %v", in.LastError())
	}
}

func TestRefreshFailure(t *testing.T) {
	in := newTestInbox(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErr(w, "INTERNAL", "boom")
	}))

	if err := in.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if in.LastError() == nil {
		t.Error("expected lastErr set after failed refresh")
	}
	if in.Loading() {
		t.Error("loading flag stuck after failed refresh")
	}
}

func TestRefreshMergePreservesOptimistic(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/inbox/conversations", func(w http.ResponseWriter, r *http.Request) {
		respondOK(w, []Conversation{{ID: "c1", LastMessageAt: testBase, Status: ConversationOpen}})
	})
	mux.HandleFunc("/api/inbox/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		respondErr(w, "INTERNAL", "unreachable")
	})
	in := newTestInbox(t, mux)

	// A pending local entry survives a list refresh untouched.
	in.mu.Lock()
	in.timelineLocked("c1").upsert(Message{TempID: "tmp-1", ConversationID: "c1",
		Direction: DirectionOut, Content: "hi", Status: StatusPending, CreatedAt: testBase})
	in.mu.Unlock()

	if err := in.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	snap := in.Timeline("c1")
	if len(snap) != 1 || snap[0].TempID != "tmp-1" {
		t.Fatalf("optimistic entry lost across refresh: %+v", snap)
	}
}

// ============================================================================
// Timeline loading
// ============================================================================

func TestLoadTimeline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/inbox/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		bare := inboundAt("m2", "c1", 2)
		bare.Status = "" // server may omit status on historical rows
		respondOK(w, []Message{inboundAt("m1", "c1", 1), bare})
	})
	in := newTestInbox(t, mux)

	msgs, err := in.LoadTimeline(context.Background(), "c1", 0)
	if err != nil {
		t.Fatalf("LoadTimeline error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Status != StatusSent {
		t.Errorf("expected omitted status defaulted to sent, got %s", msgs[1].Status)
	}
}

func TestLoadTimelineStaleFetchDiscarded(t *testing.T) {
	var calls int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/inbox/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			started <- struct{}{}
			<-release
			respondOK(w, []Message{inboundAt("stale", "c1", 1)})
			return
		}
		respondOK(w, []Message{inboundAt("fresh", "c1", 2)})
	})
	in := newTestInbox(t, mux)

	slowErr := make(chan error, 1)
	go func() {
		_, err := in.LoadTimeline(context.Background(), "c1", 0)
		slowErr <- err
	}()
	<-started

	// A newer fetch for the same conversation resolves first.
	if _, err := in.LoadTimeline(context.Background(), "c1", 0); err != nil {
		t.Fatalf("fresh LoadTimeline error: %v", err)
	}
	close(release)

	select {
	case err := <-slowErr:
		if !errors.Is(err, ErrStaleFetch) {
			t.Fatalf("expected ErrStaleFetch, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("slow fetch never resolved")
	}

	snap := in.Timeline("c1")
	if len(snap) != 1 || snap[0].ID != "fresh" {
		t.Fatalf("stale response leaked into the timeline: %+v", snap)
	}
}

// ============================================================================
// Optimistic sends
// ============================================================================

func TestSendMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/inbox/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		json.NewDecoder(r.Body).Decode(&req)
		respondOK(w, Message{ID: "srv-1", ConversationID: "c1", Direction: DirectionOut,
			Content: req.Content, Status: StatusSent, CreatedAt: testBase})
	})
	in := newTestInbox(t, mux)

	msg, err := in.SendMessage(context.Background(), "c1", "hello", nil)
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if msg.ID != "srv-1" || msg.Status != StatusSent {
		t.Errorf("unexpected confirmed message: %+v", msg)
	}

	snap := in.Timeline("c1")
	if len(snap) != 1 {
		t.Fatalf("expected 1 entry after confirm, got %d", len(snap))
	}
	if snap[0].ID != "srv-1" {
		t.Errorf("optimistic entry not replaced: %+v", snap[0])
	}
	c, ok := in.Conversation("c1")
	if !ok {
		t.Fatal("conversation not touched by send")
	}
	if c.UnreadCount != 0 {
		t.Errorf("own send must not count as unread, got %d", c.UnreadCount)
	}
}

func TestSendMessageEchoBeforeResponse(t *testing.T) {
	requested := make(chan struct{}, 1)
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/inbox/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		requested <- struct{}{}
		<-release
		respondOK(w, Message{ID: "srv-1", ConversationID: "c1", Direction: DirectionOut,
			Content: "hello", Status: StatusSent, CreatedAt: testBase})
	})
	in := newTestInbox(t, mux)

	done := make(chan error, 1)
	go func() {
		_, err := in.SendMessage(context.Background(), "c1", "hello", nil)
		done <- err
	}()
	<-requested

	// The push echo of our own message lands before the send response.
	echo := inboundAt("srv-1", "c1", 0)
	echo.Direction = DirectionOut
	in.ApplyNewMessage(NewMessageEvent{ConversationID: "c1", Message: echo})
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	snap := in.Timeline("c1")
	if len(snap) != 1 || snap[0].ID != "srv-1" {
		t.Fatalf("expected exactly one copy after echo race, got %+v", snap)
	}
}

func TestSendMessageFailureAndRetry(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/inbox/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			respondErr(w, "CHANNEL_DOWN", "provider unavailable")
			return
		}
		respondOK(w, Message{ID: "srv-1", ConversationID: "c1", Direction: DirectionOut,
			Content: "hello", Status: StatusSent, CreatedAt: testBase})
	})
	in := newTestInbox(t, mux)

	if _, err := in.SendMessage(context.Background(), "c1", "hello", nil); err == nil {
		t.Fatal("expected send failure")
	}

	snap := in.Timeline("c1")
	if len(snap) != 1 {
		t.Fatalf("failed entry must stay visible, got %d entries", len(snap))
	}
	if snap[0].Status != StatusFailed || snap[0].TempID == "" {
		t.Fatalf("expected failed optimistic entry, got %+v", snap[0])
	}
	tempID := snap[0].TempID

	msg, err := in.RetrySend(context.Background(), "c1", tempID)
	if err != nil {
		t.Fatalf("RetrySend error: %v", err)
	}
	if msg.ID != "srv-1" {
		t.Errorf("unexpected confirmed message: %+v", msg)
	}
	snap = in.Timeline("c1")
	if len(snap) != 1 || snap[0].ID != "srv-1" || snap[0].Status != StatusSent {
		t.Fatalf("retry did not replace the failed entry: %+v", snap)
	}
}

func TestRetrySendRequiresFailedEntry(t *testing.T) {
	in := newTestInbox(t, http.NotFoundHandler())
	if _, err := in.RetrySend(context.Background(), "c1", "no-such-temp"); err == nil {
		t.Fatal("expected error retrying an unknown entry")
	}

	// A pending (not failed) entry is not retryable either.
	in.mu.Lock()
	in.timelineLocked("c1").upsert(Message{TempID: "tmp-1", ConversationID: "c1",
		Status: StatusPending, CreatedAt: testBase})
	in.mu.Unlock()
	if _, err := in.RetrySend(context.Background(), "c1", "tmp-1"); err == nil {
		t.Fatal("expected error retrying a pending entry")
	}
}

// ============================================================================
// Read state
// ============================================================================

func TestMarkRead(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/inbox/conversations/c1/read", func(w http.ResponseWriter, r *http.Request) {
		respondOK(w, nil)
	})
	in := newTestInbox(t, mux)
	in.ApplyNewMessage(NewMessageEvent{ConversationID: "c1", Message: inboundAt("m1", "c1", 1)})

	if err := in.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatalf("MarkRead error: %v", err)
	}
	c, _ := in.Conversation("c1")
	if c.UnreadCount != 0 {
		t.Errorf("expected unread 0, got %d", c.UnreadCount)
	}
	checkUnreadInvariant(t, in)
}

func TestMarkReadAckFailureKeepsOptimisticZero(t *testing.T) {
	in := newTestInbox(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErr(w, "INTERNAL", "boom")
	}))
	in.ApplyNewMessage(NewMessageEvent{ConversationID: "c1", Message: inboundAt("m1", "c1", 1)})

	if err := in.MarkRead(context.Background(), "c1"); err == nil {
		t.Fatal("expected acknowledgment error")
	}
	// No rollback: the next poll re-converges the count instead.
	c, _ := in.Conversation("c1")
	if c.UnreadCount != 0 {
		t.Errorf("expected optimistic zero kept, got %d", c.UnreadCount)
	}
}

// ============================================================================
// Transport attachment
// ============================================================================

func TestAttachReconcilesOnResume(t *testing.T) {
	var listCalls, messageCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/inbox/conversations", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&listCalls, 1)
		respondOK(w, []Conversation{{ID: "c1", LastMessageAt: testBase, Status: ConversationOpen}})
	})
	mux.HandleFunc("/api/inbox/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&messageCalls, 1)
		respondOK(w, []Message{inboundAt("m1", "c1", 1)})
	})
	in := newTestInbox(t, mux)

	sess := NewSession("tok")
	tr, err := sess.NewTransport("http://unused.invalid", nil)
	if err != nil {
		t.Fatalf("NewTransport error: %v", err)
	}
	in.Attach(tr)

	if _, err := in.OpenConversation(context.Background(), "c1", 0); err != nil {
		t.Fatalf("OpenConversation error: %v", err)
	}
	before := atomic.LoadInt32(&listCalls)

	// First connect: no gap to bridge, no catch-up fetch.
	tr.sink.emitConnected(false)
	if !in.Connected() {
		t.Error("expected connected flag set")
	}
	if got := atomic.LoadInt32(&listCalls); got != before {
		t.Errorf("initial connect must not reconcile, list calls %d -> %d", before, got)
	}

	// Re-established connection: one reconciliation fetch plus a re-fetch of
	// the active timeline, because missed events are not replayed.
	tr.sink.emitConnected(true)
	if got := atomic.LoadInt32(&listCalls); got != before+1 {
		t.Errorf("expected one reconciliation list fetch, got %d extra", got-before)
	}
	if got := atomic.LoadInt32(&messageCalls); got != 2 {
		t.Errorf("expected active timeline re-fetched, got %d message calls", got)
	}

	tr.sink.emitDisconnected(0, "dropped")
	if in.Connected() {
		t.Error("expected connected flag cleared")
	}
}

func TestNotifyTypingWithoutTransport(t *testing.T) {
	in := newTestInbox(t, http.NotFoundHandler())
	err := in.NotifyTyping(context.Background(), "c1", true)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}
