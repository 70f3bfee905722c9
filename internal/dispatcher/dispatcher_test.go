package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chatplatform/core/internal/apperr"
	"github.com/chatplatform/core/internal/event"
	"github.com/chatplatform/core/internal/model"
	"github.com/chatplatform/core/internal/repository"
)

// fakeStore — хранилище в памяти с семантикой InsertSerialized:
// проверка чата и членства, блокировки, сброс blocked при отправке.
type fakeStore struct {
	mu       sync.Mutex
	chats    map[string]*model.Chat
	members  map[string]map[string]*model.ChatMember // chatID → userID → membership
	users    map[string]*model.User
	messages []model.Message
	stories  []model.Story
	clock    time.Time

	failInsert error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:   make(map[string]*model.Chat),
		members: make(map[string]map[string]*model.ChatMember),
		users:   make(map[string]*model.User),
		clock:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *fakeStore) addUser(id string) {
	s.users[id] = &model.User{ID: id, Name: id, Phone: "+" + id}
}

func (s *fakeStore) addChat(id string, chatType model.ChatType, memberIDs ...string) {
	s.chats[id] = &model.Chat{ID: id, ChatType: chatType, CreatedAt: s.clock}
	s.members[id] = make(map[string]*model.ChatMember)
	for _, uid := range memberIDs {
		s.members[id][uid] = &model.ChatMember{ChatID: id, UserID: uid, Role: model.RoleMember}
	}
}

func (s *fakeStore) InsertSerialized(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert != nil {
		return s.failInsert
	}
	if _, ok := s.chats[m.ChatID]; !ok {
		return repository.ErrNotFound
	}
	member, ok := s.members[m.ChatID][m.SenderID]
	if !ok {
		return repository.ErrNotMember
	}
	if member.Blocked {
		return repository.ErrBlocked
	}
	member.Blocked = false
	s.clock = s.clock.Add(time.Millisecond)
	m.CreatedAt = s.clock
	s.messages = append(s.messages, *m)
	return nil
}

func (s *fakeStore) CreateChannel(_ context.Context, creatorID, name string) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("channel-%d", len(s.chats)+1)
	c := &model.Chat{ID: id, ChatType: model.ChatTypeChannel, Name: name, CreatedAt: s.clock}
	s.chats[id] = c
	s.members[id] = map[string]*model.ChatMember{
		creatorID: {ChatID: id, UserID: creatorID, Role: model.RoleAdmin},
	}
	return c, nil
}

func (s *fakeStore) GetOrCreatePersonalChat(_ context.Context, a, b string) (*model.Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chats {
		if c.ChatType != model.ChatTypePersonal {
			continue
		}
		_, hasA := s.members[id][a]
		_, hasB := s.members[id][b]
		if hasA && hasB {
			return c, false, nil
		}
	}
	id := fmt.Sprintf("personal-%d", len(s.chats)+1)
	c := &model.Chat{ID: id, ChatType: model.ChatTypePersonal, CreatedAt: s.clock}
	s.chats[id] = c
	s.members[id] = map[string]*model.ChatMember{
		a: {ChatID: id, UserID: a, Role: model.RoleMember},
		b: {ChatID: id, UserID: b, Role: model.RoleMember},
	}
	return c, true, nil
}

func (s *fakeStore) GetMember(_ context.Context, chatID, userID string) (*model.ChatMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[chatID][userID]
	if !ok {
		return nil, repository.ErrNotMember
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) GetMemberIDs(_ context.Context, chatID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.members[chatID]))
	for uid := range s.members[chatID] {
		ids = append(ids, uid)
	}
	return ids, nil
}

func (s *fakeStore) SetBlocked(_ context.Context, chatID, userID string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[chatID][userID]
	if !ok {
		return repository.ErrNotMember
	}
	m.Blocked = blocked
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) Create(_ context.Context, st *model.Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stories = append(s.stories, *st)
	return nil
}

func (s *fakeStore) ListActive(_ context.Context) ([]model.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Story(nil), s.stories...), nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []event.Envelope
	fail   error
}

func (b *fakeBus) Publish(_ context.Context, env event.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.events = append(b.events, env)
	return nil
}

func (b *fakeBus) byType(t event.Type) []event.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []event.Envelope
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered map[string][]event.Envelope
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{delivered: make(map[string][]event.Envelope)}
}

func (d *fakeDeliverer) DeliverToUser(userID string, env event.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered[userID] = append(d.delivered[userID], env)
}

func (d *fakeDeliverer) count(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered[userID])
}

func newTestDispatcher() (*Dispatcher, *fakeStore, *fakeBus, *fakeDeliverer) {
	store := newFakeStore()
	b := &fakeBus{}
	del := newFakeDeliverer()
	return New(store, store, store, store, b, del), store, b, del
}

func TestSendToChat(t *testing.T) {
	d, store, b, del := newTestDispatcher()
	store.addUser("u1")
	store.addUser("u2")
	store.addUser("u3")
	store.addChat("c1", model.ChatTypeChannel, "u1", "u2", "u3")

	m, err := d.SendToChat(context.Background(), "c1", "u1", model.MessageTypeText, "hi", "")
	if err != nil {
		t.Fatalf("SendToChat: %v", err)
	}
	if m.ID == "" || m.CreatedAt.IsZero() {
		t.Errorf("message missing id or timestamp: %+v", m)
	}
	if got := len(b.byType(event.TypeMessageSent)); got != 1 {
		t.Errorf("bus message.sent events = %d, want 1", got)
	}
	if del.count("u2") != 1 || del.count("u3") != 1 {
		t.Errorf("recipients delivered u2=%d u3=%d, want 1 each", del.count("u2"), del.count("u3"))
	}
	if del.count("u1") != 0 {
		t.Errorf("sender delivered to itself %d times", del.count("u1"))
	}
}

func TestSendToChatNotAMember(t *testing.T) {
	d, store, _, _ := newTestDispatcher()
	store.addChat("c1", model.ChatTypeChannel, "u1")

	_, err := d.SendToChat(context.Background(), "c1", "outsider", model.MessageTypeText, "hi", "")
	if apperr.KindOf(err) != apperr.KindNotAMember {
		t.Fatalf("kind = %v, want not_a_member (err=%v)", apperr.KindOf(err), err)
	}
}

func TestSendToChatUnknownChat(t *testing.T) {
	d, _, _, _ := newTestDispatcher()
	_, err := d.SendToChat(context.Background(), "missing", "u1", model.MessageTypeText, "hi", "")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("kind = %v, want not_found", apperr.KindOf(err))
	}
}

func TestSendToChatValidation(t *testing.T) {
	d, store, _, _ := newTestDispatcher()
	store.addChat("c1", model.ChatTypeChannel, "u1")

	if _, err := d.SendToChat(context.Background(), "c1", "u1", "sticker", "hi", ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("unknown type: kind = %v, want validation", apperr.KindOf(err))
	}
	if _, err := d.SendToChat(context.Background(), "c1", "u1", model.MessageTypeText, "", ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("empty content: kind = %v, want validation", apperr.KindOf(err))
	}
}

func TestBlockSendUnblockCycle(t *testing.T) {
	d, store, _, _ := newTestDispatcher()
	store.addUser("a")
	store.addUser("b")
	store.addChat("c1", model.ChatTypePersonal, "a", "b")

	if err := d.Block(context.Background(), "c1", "a"); err != nil {
		t.Fatalf("Block: %v", err)
	}
	// Идемпотентность: повторная блокировка не меняет состояние.
	if err := d.Block(context.Background(), "c1", "a"); err != nil {
		t.Fatalf("Block twice: %v", err)
	}

	if _, err := d.SendToChat(context.Background(), "c1", "a", model.MessageTypeText, "hi", ""); apperr.KindOf(err) != apperr.KindBlocked {
		t.Fatalf("send while blocked: kind = %v, want blocked", apperr.KindOf(err))
	}

	if err := d.Unblock(context.Background(), "c1", "a"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if _, err := d.SendToChat(context.Background(), "c1", "a", model.MessageTypeText, "hi", ""); err != nil {
		t.Fatalf("send after unblock: %v", err)
	}
}

func TestBlockNotAMember(t *testing.T) {
	d, store, _, _ := newTestDispatcher()
	store.addChat("c1", model.ChatTypePersonal, "a", "b")
	if err := d.Block(context.Background(), "c1", "x"); apperr.KindOf(err) != apperr.KindNotAMember {
		t.Fatalf("kind = %v, want not_a_member", apperr.KindOf(err))
	}
}

func TestBlockHoldsUntilUnblock(t *testing.T) {
	d, store, _, _ := newTestDispatcher()
	store.addUser("a")
	store.addUser("b")
	store.addChat("c1", model.ChatTypePersonal, "a", "b")

	// a блокирует чат; b не может писать a, и сам a тоже не может писать,
	// пока не снимет блокировку через Unblock.
	if err := d.Block(context.Background(), "c1", "a"); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if _, err := d.SendToUser(context.Background(), "b", "a", model.MessageTypeText, "hi", ""); apperr.KindOf(err) != apperr.KindBlockedByRecipient {
		t.Fatalf("b→a while blocked: kind = %v, want blocked_by_recipient", apperr.KindOf(err))
	}

	if err := d.Unblock(context.Background(), "c1", "a"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if err := d.Block(context.Background(), "c1", "a"); err != nil {
		t.Fatalf("Block again: %v", err)
	}
	if _, err := d.SendToChat(context.Background(), "c1", "a", model.MessageTypeText, "reply", ""); apperr.KindOf(err) != apperr.KindBlocked {
		// Отправка при собственном blocked запрещена; сначала unblock.
		t.Fatalf("a send while self-blocked: kind = %v, want blocked", apperr.KindOf(err))
	}
	if err := d.Unblock(context.Background(), "c1", "a"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if _, err := d.SendToChat(context.Background(), "c1", "a", model.MessageTypeText, "reply", ""); err != nil {
		t.Fatalf("a send after unblock: %v", err)
	}
	// Флаг a снят через Unblock — b снова может писать.
	if _, err := d.SendToUser(context.Background(), "b", "a", model.MessageTypeText, "hi again", ""); err != nil {
		t.Fatalf("b→a after a replied: %v", err)
	}
}

func TestSendToUserSelfSend(t *testing.T) {
	d, store, _, _ := newTestDispatcher()
	store.addUser("a")
	if _, err := d.SendToUser(context.Background(), "a", "a", model.MessageTypeText, "hi", ""); apperr.KindOf(err) != apperr.KindSelfSend {
		t.Fatalf("kind = %v, want self_send", apperr.KindOf(err))
	}
}

func TestSendToUserUnknownRecipient(t *testing.T) {
	d, store, _, _ := newTestDispatcher()
	store.addUser("a")
	if _, err := d.SendToUser(context.Background(), "a", "ghost", model.MessageTypeText, "hi", ""); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("kind = %v, want not_found", apperr.KindOf(err))
	}
}

func TestSendToUserCreatesChatOnce(t *testing.T) {
	d, store, _, _ := newTestDispatcher()
	store.addUser("a")
	store.addUser("b")

	m1, err := d.SendToUser(context.Background(), "a", "b", model.MessageTypeText, "first", "")
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	m2, err := d.SendToUser(context.Background(), "b", "a", model.MessageTypeText, "second", "")
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if m1.ChatID != m2.ChatID {
		t.Errorf("chats differ: %s vs %s", m1.ChatID, m2.ChatID)
	}
	personal := 0
	for _, c := range store.chats {
		if c.ChatType == model.ChatTypePersonal {
			personal++
		}
	}
	if personal != 1 {
		t.Errorf("personal chats = %d, want 1", personal)
	}
}

func TestCreatePersonalChatIdempotent(t *testing.T) {
	d, store, _, _ := newTestDispatcher()
	store.addUser("a")
	store.addUser("b")

	id1, err := d.CreatePersonalChat(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("CreatePersonalChat(a,b): %v", err)
	}
	id2, err := d.CreatePersonalChat(context.Background(), "b", "a")
	if err != nil {
		t.Fatalf("CreatePersonalChat(b,a): %v", err)
	}
	if id1 != id2 {
		t.Errorf("CreatePersonalChat(a,b)=%s != CreatePersonalChat(b,a)=%s", id1, id2)
	}
}

func TestBusFailureDoesNotFailSend(t *testing.T) {
	d, store, b, del := newTestDispatcher()
	store.addUser("a")
	store.addUser("b")
	store.addChat("c1", model.ChatTypePersonal, "a", "b")
	b.fail = errors.New("broker down")

	m, err := d.SendToChat(context.Background(), "c1", "a", model.MessageTypeText, "hi", "")
	if err != nil {
		t.Fatalf("SendToChat with bus down: %v", err)
	}
	if m == nil {
		t.Fatal("no message returned")
	}
	// Прямой путь через Hub продолжает работать.
	if del.count("b") != 1 {
		t.Errorf("recipient delivered %d times, want 1", del.count("b"))
	}
}

func TestStoreFailureNoEmission(t *testing.T) {
	d, store, b, del := newTestDispatcher()
	store.addUser("a")
	store.addUser("b")
	store.addChat("c1", model.ChatTypePersonal, "a", "b")
	store.failInsert = errors.New("connection reset")

	_, err := d.SendToChat(context.Background(), "c1", "a", model.MessageTypeText, "hi", "")
	if apperr.KindOf(err) != apperr.KindStoreUnavailable {
		t.Fatalf("kind = %v, want store_unavailable", apperr.KindOf(err))
	}
	if len(b.byType(event.TypeMessageSent)) != 0 || del.count("b") != 0 {
		t.Error("events emitted despite failed commit")
	}
}

func TestMarkReadPublishes(t *testing.T) {
	d, _, b, _ := newTestDispatcher()
	d.MarkRead(context.Background(), "c1", "m1", "u1")
	events := b.byType(event.TypeMessageRead)
	if len(events) != 1 {
		t.Fatalf("message.read events = %d, want 1", len(events))
	}
	p, ok := events[0].Payload.(event.MessageReadPayload)
	if !ok {
		t.Fatalf("payload type %T", events[0].Payload)
	}
	if p.ChatID != "c1" || p.MessageID != "m1" || p.UserID != "u1" {
		t.Errorf("payload = %+v", p)
	}
}

func TestCreateChannel(t *testing.T) {
	d, store, _, _ := newTestDispatcher()
	if _, err := d.CreateChannel(context.Background(), "a", ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("empty name: kind = %v, want validation", apperr.KindOf(err))
	}
	c, err := d.CreateChannel(context.Background(), "a", "general")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if store.members[c.ID]["a"].Role != model.RoleAdmin {
		t.Errorf("creator role = %v, want admin", store.members[c.ID]["a"].Role)
	}
}

func TestCreateStory(t *testing.T) {
	d, _, b, _ := newTestDispatcher()
	if _, err := d.CreateStory(context.Background(), "a", ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("empty mediaUrl: kind = %v, want validation", apperr.KindOf(err))
	}
	s, err := d.CreateStory(context.Background(), "a", "/api/media/x.jpg")
	if err != nil {
		t.Fatalf("CreateStory: %v", err)
	}
	if got := s.ExpiresAt.Sub(s.CreatedAt); got != model.StoryTTL {
		t.Errorf("story ttl = %v, want %v", got, model.StoryTTL)
	}
	if len(b.byType(event.TypeStoryCreated)) != 1 {
		t.Error("story.created not published")
	}
}
