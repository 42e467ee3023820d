package omnibox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Timeline
// ============================================================================

// timeline is the ordered log of one conversation, including optimistic
// entries awaiting server confirmation. Entries are kept sorted by CreatedAt
// and indexed by identity so that delivering the same event through push,
// poll and send-response paths yields exactly one visible copy.
type timeline struct {
	entries []*Message
	index   map[string]*Message
	loaded  bool
}

func newTimeline() *timeline {
	return &timeline{index: make(map[string]*Message)}
}

// upsert inserts a message unless an entry with the same identity already
// exists. Returns true when a new entry became visible.
func (tl *timeline) upsert(msg Message) bool {
	if _, ok := tl.index[msg.Identity()]; ok {
		return false
	}
	m := msg
	tl.insert(&m)
	return true
}

func (tl *timeline) insert(m *Message) {
	i := sort.Search(len(tl.entries), func(i int) bool {
		return tl.entries[i].CreatedAt.After(m.CreatedAt)
	})
	tl.entries = append(tl.entries, nil)
	copy(tl.entries[i+1:], tl.entries[i:])
	tl.entries[i] = m
	tl.index[m.Identity()] = m
}

func (tl *timeline) remove(identity string) {
	m, ok := tl.index[identity]
	if !ok {
		return
	}
	delete(tl.index, identity)
	for i, e := range tl.entries {
		if e == m {
			tl.entries = append(tl.entries[:i], tl.entries[i+1:]...)
			return
		}
	}
}

// confirm swaps the optimistic entry matched strictly by tempId for the
// authoritative server record. When the server copy already arrived through
// the push or poll path, the optimistic entry is simply dropped.
func (tl *timeline) confirm(tempID string, server Message) {
	if _, ok := tl.index[server.ID]; ok {
		tl.remove(tempID)
		return
	}
	old, ok := tl.index[tempID]
	if !ok {
		tl.upsert(server)
		return
	}
	tl.remove(tempID)
	m := server
	if m.CreatedAt.IsZero() {
		m.CreatedAt = old.CreatedAt
	}
	tl.insert(&m)
}

func (tl *timeline) snapshot() []Message {
	out := make([]Message, len(tl.entries))
	for i, m := range tl.entries {
		out[i] = *m
	}
	return out
}

// ============================================================================
// Inbox
// ============================================================================

// Inbox is the synchronized local view: the conversation collection, the
// per-conversation timelines and the aggregate unread accounting. It is the
// sole mutator of that state; push events, poll refreshes and local sends all
// funnel into the same idempotent merge primitives under one lock, which is
// what makes dual delivery of an event harmless.
type Inbox struct {
	client    *Client
	transport *Transport
	cache     Cache
	logger    *zap.Logger

	mu            sync.Mutex
	conversations map[string]*Conversation
	timelines     map[string]*timeline
	typing        map[string]bool
	generations   map[string]uint64
	active        string
	loading       bool
	connected     bool
	lastErr       error
	reportedTotal int

	changeMu sync.Mutex
	onChange []func()
}

// InboxOption configures an Inbox.
type InboxOption func(*Inbox)

// WithInboxLogger attaches a structured logger to the inbox.
func WithInboxLogger(l *zap.Logger) InboxOption {
	return func(in *Inbox) { in.logger = l }
}

// WithCache attaches a local cache used to warm-start the view and persist
// merged state between sessions. Server state always wins on merge.
func WithCache(c Cache) InboxOption {
	return func(in *Inbox) { in.cache = c }
}

// NewInbox creates an inbox bound to a gateway client.
func NewInbox(client *Client, opts ...InboxOption) *Inbox {
	in := &Inbox{
		client:        client,
		logger:        client.Logger(),
		conversations: make(map[string]*Conversation),
		timelines:     make(map[string]*timeline),
		typing:        make(map[string]bool),
		generations:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Attach wires a transport's events into the inbox merge path and registers
// the reconnect catch-up: entering connected after a drop triggers one
// reconciliation fetch, because events missed during the gap are not replayed.
func (in *Inbox) Attach(t *Transport) {
	in.mu.Lock()
	in.transport = t
	in.mu.Unlock()

	t.OnNewMessage(in.ApplyNewMessage)
	t.OnMessageStatus(in.ApplyMessageStatus)
	t.OnConversationUpdate(in.ApplyConversationUpdate)
	t.OnUnreadCount(in.ApplyUnreadCount)
	t.OnConversationRead(in.ApplyConversationRead)
	t.OnTyping(in.ApplyTyping)
	t.OnConnected(func(resumed bool) {
		in.mu.Lock()
		in.connected = true
		in.mu.Unlock()
		in.notify()
		if resumed {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
			defer cancel()
			if err := in.Reconcile(ctx); err != nil {
				in.logger.Warn("post-reconnect reconciliation failed", zap.Error(err))
			}
		}
	})
	t.OnDisconnected(func(code int, reason string) {
		in.mu.Lock()
		in.connected = false
		in.mu.Unlock()
		in.notify()
	})
	t.OnTransportError(func(err error) {
		in.mu.Lock()
		in.lastErr = err
		in.mu.Unlock()
		in.notify()
	})
}

// OnChange registers a callback invoked after every visible mutation. Meant
// for UI consumers that re-render from the snapshot accessors.
func (in *Inbox) OnChange(h func()) {
	in.changeMu.Lock()
	in.onChange = append(in.onChange, h)
	in.changeMu.Unlock()
}

func (in *Inbox) notify() {
	in.changeMu.Lock()
	handlers := append([]func(){}, in.onChange...)
	in.changeMu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// ============================================================================
// Snapshot accessors
// ============================================================================

// Conversations returns the collection ordered by lastMessageAt descending.
func (in *Inbox) Conversations() []Conversation {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]Conversation, 0, len(in.conversations))
	for _, c := range in.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Conversation returns one conversation summary, if known.
func (in *Inbox) Conversation(id string) (Conversation, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	c, ok := in.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Timeline returns the visible message log of a conversation in createdAt
// order, regardless of which path delivered each entry.
func (in *Inbox) Timeline(conversationID string) []Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	tl, ok := in.timelines[conversationID]
	if !ok {
		return nil
	}
	return tl.snapshot()
}

// AggregateUnread returns the sum of all per-conversation unread counts.
func (in *Inbox) AggregateUnread() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.unreadSumLocked()
}

// ReportedUnread returns the aggregate unread total last asserted by the
// gateway, zero before any unread_count_update arrived. The local aggregate
// stays derived from the per-conversation counts; a badge can compare the
// two to show a divergence pending the next refresh.
func (in *Inbox) ReportedUnread() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.reportedTotal
}

func (in *Inbox) unreadSumLocked() int {
	total := 0
	for _, c := range in.conversations {
		total += c.UnreadCount
	}
	return total
}

// IsTyping reports whether the remote party of a conversation is typing.
func (in *Inbox) IsTyping(conversationID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.typing[conversationID]
}

// Loading reports whether a user-visible refresh is in flight. Silent poll
// refreshes never toggle it.
func (in *Inbox) Loading() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.loading
}

// Connected reports push-channel connectivity, for a passive badge.
func (in *Inbox) Connected() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.connected
}

// LastError returns the most recent transport or fetch error, cleared by the
// next successful operation.
func (in *Inbox) LastError() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastErr
}

// ============================================================================
// Refresh and reconciliation
// ============================================================================

// Refresh runs a user-triggered full refresh immediately, bypassing the poll
// interval.
func (in *Inbox) Refresh(ctx context.Context) error {
	return in.refresh(ctx, false)
}

func (in *Inbox) refresh(ctx context.Context, silent bool) error {
	if !silent {
		in.mu.Lock()
		in.loading = true
		in.mu.Unlock()
		in.notify()
		defer func() {
			in.mu.Lock()
			in.loading = false
			in.mu.Unlock()
			in.notify()
		}()
	}

	conversations, err := in.client.Conversations.List(ctx, nil)
	if err != nil {
		in.mu.Lock()
		in.lastErr = err
		in.mu.Unlock()
		if !silent {
			return err
		}
		in.logger.Debug("silent refresh failed", zap.Error(err))
		return err
	}

	in.mu.Lock()
	for i := range conversations {
		in.mergeConversationLocked(&conversations[i])
	}
	in.lastErr = nil
	in.mu.Unlock()
	in.notify()
	in.persistConversations()
	return nil
}

// Reconcile runs the one-shot catch-up after a reconnect: a silent list
// refresh plus a re-fetch of the active timeline.
func (in *Inbox) Reconcile(ctx context.Context) error {
	if err := in.refresh(ctx, true); err != nil {
		return err
	}
	in.mu.Lock()
	active := in.active
	in.mu.Unlock()
	if active == "" {
		return nil
	}
	_, err := in.LoadTimeline(ctx, active, 0)
	return err
}

// OpenConversation makes a conversation the active one and loads its
// timeline.
func (in *Inbox) OpenConversation(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	in.mu.Lock()
	in.active = conversationID
	in.mu.Unlock()
	return in.LoadTimeline(ctx, conversationID, limit)
}

// LoadTimeline fetches a conversation's messages and merges them. Each fetch
// carries a per-conversation generation; a response that resolves after a
// newer fetch was issued for the same conversation is discarded, so a slow
// fetch for conversation A can no longer clobber a later switch to B.
func (in *Inbox) LoadTimeline(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	in.mu.Lock()
	in.generations[conversationID]++
	gen := in.generations[conversationID]
	in.mu.Unlock()

	messages, err := in.client.Messages.List(ctx, conversationID, limit)

	in.mu.Lock()
	if in.generations[conversationID] != gen {
		in.mu.Unlock()
		return nil, ErrStaleFetch
	}
	if err != nil {
		in.lastErr = err
		in.mu.Unlock()
		return nil, err
	}
	tl := in.timelineLocked(conversationID)
	for _, m := range messages {
		if m.Status == "" {
			m.Status = StatusSent
		}
		tl.upsert(m)
	}
	tl.loaded = true
	in.lastErr = nil
	snap := tl.snapshot()
	in.mu.Unlock()
	in.notify()
	in.persistTimeline(conversationID, snap)
	return snap, nil
}

// ============================================================================
// Local writes
// ============================================================================

// SendMessage appends an optimistic pending entry synchronously — the UI
// reflects the attempt before any network round-trip — then submits the send
// and replaces the entry with the server record, matched strictly by tempId.
// On failure the entry stays visible with status failed.
func (in *Inbox) SendMessage(ctx context.Context, conversationID, content string, media *MediaRef) (*Message, error) {
	optimistic := Message{
		TempID:         uuid.NewString(),
		ConversationID: conversationID,
		Direction:      DirectionOut,
		Content:        content,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if media != nil {
		optimistic.MediaURL = media.URL
		optimistic.MediaType = media.Type
	}

	in.mu.Lock()
	tl := in.timelineLocked(conversationID)
	tl.upsert(optimistic)
	in.touchConversationLocked(conversationID, &optimistic)
	in.mu.Unlock()
	in.notify()

	return in.submitSend(ctx, conversationID, optimistic.TempID, content, media)
}

// RetrySend resubmits a failed optimistic entry, keeping its tempId so a
// late-arriving echo of the first attempt still deduplicates.
func (in *Inbox) RetrySend(ctx context.Context, conversationID, tempID string) (*Message, error) {
	in.mu.Lock()
	tl := in.timelineLocked(conversationID)
	entry, ok := tl.index[tempID]
	if !ok || entry.Status != StatusFailed {
		in.mu.Unlock()
		return nil, &RequestError{Op: "messages.retry", Err: errNoFailedEntry}
	}
	entry.Status = StatusPending
	content := entry.Content
	var media *MediaRef
	if entry.MediaURL != "" {
		media = &MediaRef{URL: entry.MediaURL, Type: entry.MediaType}
	}
	in.mu.Unlock()
	in.notify()

	return in.submitSend(ctx, conversationID, tempID, content, media)
}

func (in *Inbox) submitSend(ctx context.Context, conversationID, tempID, content string, media *MediaRef) (*Message, error) {
	server, err := in.client.Messages.Send(ctx, conversationID, content, media)
	if err != nil {
		in.mu.Lock()
		tl := in.timelineLocked(conversationID)
		if entry, ok := tl.index[tempID]; ok {
			entry.Status = StatusFailed
		}
		in.mu.Unlock()
		in.notify()
		in.logger.Warn("send failed, keeping optimistic entry",
			zap.String("conversationId", conversationID), zap.Error(err))
		return nil, err
	}

	confirmed := *server
	if confirmed.Status == "" || confirmed.Status == StatusPending {
		confirmed.Status = StatusSent
	}
	if confirmed.Direction == "" {
		confirmed.Direction = DirectionOut
	}

	in.mu.Lock()
	tl := in.timelineLocked(conversationID)
	tl.confirm(tempID, confirmed)
	in.touchConversationLocked(conversationID, &confirmed)
	in.mu.Unlock()
	in.notify()
	return &confirmed, nil
}

// MarkRead zeroes the unread count optimistically, acknowledges through the
// gateway and notifies the push channel. Acknowledgment failure is not rolled
// back: the next poll re-converges the count (logged, never surfaced).
func (in *Inbox) MarkRead(ctx context.Context, conversationID string) error {
	in.mu.Lock()
	if c, ok := in.conversations[conversationID]; ok {
		c.UnreadCount = 0
	}
	t := in.transport
	in.mu.Unlock()
	in.notify()

	if t != nil && t.State() == StateConnected {
		if err := t.MarkAsRead(ctx, conversationID); err != nil {
			in.logger.Debug("mark_as_read intent failed", zap.Error(err))
		}
	}

	if err := in.client.Conversations.MarkRead(ctx, conversationID); err != nil {
		in.logger.Warn("read acknowledgment failed, awaiting poll re-sync",
			zap.String("conversationId", conversationID), zap.Error(err))
		return err
	}
	return nil
}

// NotifyTyping publishes this session's typing indicator.
func (in *Inbox) NotifyTyping(ctx context.Context, conversationID string, isTyping bool) error {
	in.mu.Lock()
	t := in.transport
	in.mu.Unlock()
	if t == nil {
		return &TransportError{Op: "typing", Err: errNotConnected}
	}
	return t.Typing(ctx, conversationID, isTyping)
}

// ============================================================================
// Merge primitives (event application)
// ============================================================================

// ApplyNewMessage merges an inbound message event. Applying the same event
// any number of times, from any mix of paths, leaves exactly one visible
// timeline entry with that identity and an unchanged conversation state.
// The duplicate check gates every side effect, so a redelivery cannot touch
// the conversation summary or the unread count.
func (in *Inbox) ApplyNewMessage(ev NewMessageEvent) {
	msg := ev.Message
	if msg.ConversationID == "" {
		msg.ConversationID = ev.ConversationID
	}
	if msg.Status == "" {
		msg.Status = StatusSent
	}

	in.mu.Lock()
	tl := in.timelineLocked(ev.ConversationID)
	if !tl.upsert(msg) {
		in.logger.Debug("duplicate message event ignored",
			zap.String("messageId", msg.Identity()),
			zap.String("conversationId", ev.ConversationID))
		in.mu.Unlock()
		return
	}
	if ev.Conversation != nil {
		in.mergeConversationLocked(ev.Conversation)
	}
	in.touchConversationLocked(ev.ConversationID, &msg)
	// An embedded summary is the server's post-message state, unread count
	// included; incrementing locally would count the message twice.
	if ev.Conversation == nil && msg.Direction == DirectionIn {
		if c, ok := in.conversations[ev.ConversationID]; ok {
			c.UnreadCount++
		}
	}
	in.mu.Unlock()
	in.notify()
}

// ApplyMessageStatus applies a server-asserted delivery-state change,
// last-write-wins.
func (in *Inbox) ApplyMessageStatus(ev MessageStatusEvent) {
	in.mu.Lock()
	tl, ok := in.timelines[ev.ConversationID]
	if !ok {
		in.mu.Unlock()
		return
	}
	entry, ok := tl.index[ev.MessageID]
	if !ok {
		in.logger.Debug("status update for unknown message",
			zap.String("messageId", ev.MessageID))
		in.mu.Unlock()
		return
	}
	entry.Status = ev.Status
	in.mu.Unlock()
	in.notify()
}

// ApplyConversationUpdate patches conversation metadata.
func (in *Inbox) ApplyConversationUpdate(ev ConversationUpdateEvent) {
	in.mu.Lock()
	c, ok := in.conversations[ev.ConversationID]
	if !ok {
		in.mu.Unlock()
		return
	}
	if ev.Updates.Status != nil {
		c.Status = *ev.Updates.Status
	}
	if ev.Updates.ContactName != nil {
		c.ContactName = *ev.Updates.ContactName
	}
	if ev.Updates.LastMessageAt != nil {
		c.LastMessageAt = *ev.Updates.LastMessageAt
	}
	in.mu.Unlock()
	in.notify()
}

// ApplyUnreadCount applies a server-reported unread correction. The aggregate
// stays derived from the per-conversation counts; a divergent server total is
// only logged, never propagated partially.
func (in *Inbox) ApplyUnreadCount(ev UnreadCountEvent) {
	in.mu.Lock()
	if ev.ConversationID != "" && ev.UnreadCount != nil {
		if c, ok := in.conversations[ev.ConversationID]; ok {
			c.UnreadCount = *ev.UnreadCount
		}
	}
	in.reportedTotal = ev.TotalUnread
	if sum := in.unreadSumLocked(); sum != ev.TotalUnread {
		in.logger.Debug("aggregate unread divergence, awaiting next refresh",
			zap.Int("local", sum), zap.Int("reported", ev.TotalUnread))
	}
	in.mu.Unlock()
	in.notify()
}

// ApplyConversationRead zeroes a conversation's unread count, e.g. when
// another session of the same account read it.
func (in *Inbox) ApplyConversationRead(ev ConversationReadEvent) {
	in.mu.Lock()
	if c, ok := in.conversations[ev.ConversationID]; ok {
		c.UnreadCount = 0
	}
	in.mu.Unlock()
	in.notify()
}

// ApplyTyping records the remote party's typing indicator.
func (in *Inbox) ApplyTyping(ev TypingEvent) {
	in.mu.Lock()
	if ev.IsTyping {
		in.typing[ev.ConversationID] = true
	} else {
		delete(in.typing, ev.ConversationID)
	}
	in.mu.Unlock()
	in.notify()
}

// ============================================================================
// Internal merge helpers
// ============================================================================

func (in *Inbox) timelineLocked(conversationID string) *timeline {
	tl, ok := in.timelines[conversationID]
	if !ok {
		tl = newTimeline()
		in.timelines[conversationID] = tl
	}
	return tl
}

// mergeConversationLocked folds a server conversation summary into the local
// collection. Server state wins; optimistic timeline entries are untouched.
func (in *Inbox) mergeConversationLocked(server *Conversation) {
	existing, ok := in.conversations[server.ID]
	if !ok {
		c := *server
		in.conversations[server.ID] = &c
		return
	}
	*existing = *server
}

// touchConversationLocked refreshes the last-message snapshot after a merge
// or a local send, keeping the collection orderable by lastMessageAt.
func (in *Inbox) touchConversationLocked(conversationID string, msg *Message) {
	c, ok := in.conversations[conversationID]
	if !ok {
		// First sight of this conversation outside a list refresh; a
		// subsequent refresh fills in channel and contact fields.
		c = &Conversation{ID: conversationID, Status: ConversationOpen}
		in.conversations[conversationID] = c
	}
	if msg.CreatedAt.After(c.LastMessageAt) {
		m := *msg
		c.LastMessage = &m
		c.LastMessageAt = msg.CreatedAt
	}
}

// ============================================================================
// Cache integration
// ============================================================================

// WarmStart loads cached conversations and timelines into the view before
// the first fetch. A later refresh overwrites with server state.
func (in *Inbox) WarmStart() error {
	if in.cache == nil {
		return nil
	}
	conversations, err := in.cache.Conversations()
	if err != nil {
		return err
	}
	in.mu.Lock()
	for i := range conversations {
		in.mergeConversationLocked(&conversations[i])
	}
	ids := make([]string, 0, len(in.conversations))
	for id := range in.conversations {
		ids = append(ids, id)
	}
	in.mu.Unlock()

	for _, id := range ids {
		messages, err := in.cache.Messages(id, 0)
		if err != nil {
			return err
		}
		in.mu.Lock()
		tl := in.timelineLocked(id)
		for _, m := range messages {
			tl.upsert(m)
		}
		in.mu.Unlock()
	}
	in.notify()
	return nil
}

func (in *Inbox) persistConversations() {
	if in.cache == nil {
		return
	}
	if err := in.cache.PutConversations(in.Conversations()); err != nil {
		in.logger.Debug("cache write failed", zap.Error(err))
	}
}

func (in *Inbox) persistTimeline(conversationID string, messages []Message) {
	if in.cache == nil {
		return
	}
	if err := in.cache.PutMessages(conversationID, messages); err != nil {
		in.logger.Debug("cache write failed", zap.Error(err))
	}
}
