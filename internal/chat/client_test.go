package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/duochat/internal/bus"
	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/realtime"
	"github.com/matheus3301/duochat/internal/relay"
	"github.com/matheus3301/duochat/internal/status"
	"github.com/matheus3301/duochat/internal/transport"
)

// fakeAPI serves REST calls from the relay's history so pushes and fetches
// agree, with hooks to delay or fail individual calls.
type fakeAPI struct {
	history *relay.History
	router  *relay.Router

	mu        sync.Mutex
	gates     map[domain.UserID]chan struct{}
	deleteErr error
	fetched   int
}

func (f *fakeAPI) completed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched
}

func (f *fakeAPI) gate(counterpart domain.UserID) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[counterpart] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeAPI) History(ctx context.Context, a, b domain.UserID) ([]domain.Message, error) {
	f.mu.Lock()
	gate := f.gates[b]
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.fetched++
		f.mu.Unlock()
	}()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.history.Between(a, b), nil
}

func (f *fakeAPI) ClearHistory(_ context.Context, a, b domain.UserID) error {
	f.history.Clear(a, b)
	return nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, id domain.MessageID) error {
	f.mu.Lock()
	err := f.deleteErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if !f.history.Delete(id) {
		return errors.New("message not found")
	}
	body, _ := domain.EncodeDelete(domain.DeleteNotice{MessageID: id})
	return f.router.Publish(transport.TopicDelete, body)
}

func (f *fakeAPI) Upload(_ context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return "http://relay/files/" + f.history.StoreFile(name, data), nil
}

func (f *fakeAPI) Users(context.Context) ([]domain.User, error) { return f.history.Users(), nil }

func (f *fakeAPI) SearchUsers(_ context.Context, q string) ([]domain.User, error) {
	return f.history.Search(q), nil
}

func (f *fakeAPI) Partners(_ context.Context, self domain.UserID) ([]domain.Partner, error) {
	return f.history.Partners(self), nil
}

type harness struct {
	broker *transport.MemoryBroker
	api    *fakeAPI
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := transport.NewMemoryBroker()
	h := relay.NewHistory()
	h.Login("alice")
	h.Login("bob")
	h.Login("carol")
	r := relay.NewRouter(b, transport.Credentials{}, h, nil, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	eventually(t, func() bool { return b.Subscribers(transport.AppChatSend) == 1 }, "relay never subscribed")

	return &harness{
		broker: b,
		api:    &fakeAPI{history: h, router: r, gates: make(map[domain.UserID]chan struct{})},
	}
}

type memoryState struct {
	mu   sync.Mutex
	last domain.UserID
}

func (s *memoryState) SetLastCounterpart(id domain.UserID) error {
	s.mu.Lock()
	s.last = id
	s.mu.Unlock()
	return nil
}
func (s *memoryState) UpsertUsers([]domain.User) error       { return nil }
func (s *memoryState) UpsertPartners([]domain.Partner) error { return nil }

func (h *harness) client(t *testing.T, id domain.UserID, cfg Config, store StateStore) *Client {
	t.Helper()
	b := bus.New()
	m := realtime.NewManager(h.broker, status.NewMachine(b), nil, 10*time.Millisecond, nil)
	c := New(transport.Credentials{Token: "tok", UserID: id}, cfg, Deps{
		Session: m,
		API:     h.api,
		Store:   store,
		Bus:     b,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.AwaitConnected(ctx); err != nil {
		t.Fatalf("client %d never connected: %v", id, err)
	}
	return c
}

// open selects counterpart and waits for the initial history load, so a
// late fetch cannot replace messages the test sends afterwards.
func (h *harness) open(t *testing.T, c *Client, counterpart domain.UserID) {
	t.Helper()
	before := h.api.completed()
	c.Select(counterpart)
	eventually(t, func() bool { return h.api.completed() > before }, "history load never finished")
	time.Sleep(10 * time.Millisecond)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func contents(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content()
	}
	return out
}

func TestStartRejectsInvalidCredentials(t *testing.T) {
	h := newHarness(t)
	m := realtime.NewManager(h.broker, nil, nil, 0, nil)
	c := New(transport.Credentials{Token: "tok"}, Config{}, Deps{Session: m, API: h.api})
	if err := c.Start(context.Background()); !errors.Is(err, realtime.ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
	c.Stop()
}

func TestSendRequiresConversationAndContent(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t, 1, Config{}, nil)

	if _, err := alice.Send("hi"); !errors.Is(err, ErrNoConversation) {
		t.Errorf("no scope: err = %v", err)
	}
	alice.Select(2)
	if _, err := alice.Send("   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank: err = %v", err)
	}
}

func TestSendIsConfirmedByEcho(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t, 1, Config{}, nil)
	bob := h.client(t, 2, Config{}, nil)
	h.open(t, alice, 2)
	h.open(t, bob, 1)

	sent, err := alice.Send("hello bob")
	if err != nil {
		t.Fatal(err)
	}
	if sent.Status != domain.Pending || sent.LocalKey == "" {
		t.Fatalf("optimistic entry = %+v", sent)
	}

	eventually(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].ID != 0 && msgs[0].Status == domain.Confirmed
	}, "alice's message was never confirmed")
	if got := alice.Messages()[0].LocalKey; got != sent.LocalKey {
		t.Errorf("confirmation lost the local key: %q != %q", got, sent.LocalKey)
	}

	eventually(t, func() bool {
		msgs := bob.Messages()
		return len(msgs) == 1 && msgs[0].Content() == "hello bob"
	}, "bob never received the message")
}

func TestMessagesAreScopedToCounterpart(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t, 1, Config{}, nil)
	bob := h.client(t, 2, Config{}, nil)
	carol := h.client(t, 3, Config{}, nil)
	h.open(t, alice, 2)
	h.open(t, carol, 2)

	if _, err := carol.Send("from carol"); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Send("from alice"); err != nil {
		t.Fatal(err)
	}
	bob.Select(1)
	eventually(t, func() bool { return len(bob.Messages()) == 1 }, "bob never saw alice's message")
	if got := bob.Messages()[0].Content(); got != "from alice" {
		t.Errorf("bob's conversation with alice shows %q", got)
	}
}

func TestSelectLoadsHistory(t *testing.T) {
	h := newHarness(t)
	h.api.history.Record(domain.Message{SenderID: 1, RecipientID: 2, Payload: domain.Text{Body: "earlier"}})
	h.api.history.Record(domain.Message{SenderID: 2, RecipientID: 1, Payload: domain.Text{Body: "reply"}})
	store := &memoryState{}
	alice := h.client(t, 1, Config{}, store)

	alice.Select(2)
	eventually(t, func() bool { return len(alice.Messages()) == 2 }, "history never loaded")
	if got := contents(alice.Messages()); got[0] != "earlier" || got[1] != "reply" {
		t.Errorf("messages = %v", got)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.last != 2 {
		t.Errorf("last counterpart = %d, want 2", store.last)
	}
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.api.history.Record(domain.Message{SenderID: 2, RecipientID: 1, Payload: domain.Text{Body: "bob says"}})
	h.api.history.Record(domain.Message{SenderID: 3, RecipientID: 1, Payload: domain.Text{Body: "carol says"}})
	alice := h.client(t, 1, Config{}, nil)

	slow := h.api.gate(2)
	alice.Select(2)
	alice.Select(3)
	close(slow)

	eventually(t, func() bool { return len(alice.Messages()) == 1 }, "carol's history never loaded")
	time.Sleep(20 * time.Millisecond)
	if got := contents(alice.Messages()); len(got) != 1 || got[0] != "carol says" {
		t.Errorf("messages = %v, want only carol's", got)
	}
}

func TestTypingReachesOnlyTheActiveCounterpart(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t, 1, Config{}, nil)
	bob := h.client(t, 2, Config{}, nil)
	carol := h.client(t, 3, Config{}, nil)
	h.open(t, alice, 2)
	h.open(t, bob, 1)
	h.open(t, carol, 2)

	alice.Input("h")
	eventually(t, bob.PeerTyping, "bob never saw alice typing")

	bob.Select(3)
	if bob.PeerTyping() {
		t.Error("switching conversation kept the typing indicator")
	}
	// alice is no longer bob's counterpart, so her signals are ignored.
	alice.Input("")
	alice.Input("he")
	time.Sleep(30 * time.Millisecond)
	if bob.PeerTyping() {
		t.Error("typing from a non-counterpart was shown")
	}

	carol.Input("x")
	eventually(t, bob.PeerTyping, "bob never saw carol typing")
}

func TestSendClearsTyping(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t, 1, Config{}, nil)
	bob := h.client(t, 2, Config{}, nil)
	h.open(t, alice, 2)
	h.open(t, bob, 1)

	alice.Input("hi")
	eventually(t, bob.PeerTyping, "bob never saw alice typing")
	if _, err := alice.Send("hi"); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return !bob.PeerTyping() }, "typing stayed on after send")
}

func TestRemoteDeleteIsApplied(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t, 1, Config{}, nil)
	bob := h.client(t, 2, Config{}, nil)
	h.open(t, alice, 2)
	h.open(t, bob, 1)

	if _, err := alice.Send("regret"); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].ID != 0
	}, "message never confirmed")
	eventually(t, func() bool { return len(bob.Messages()) == 1 }, "bob never received the message")

	if err := alice.Delete(context.Background(), alice.Messages()[0].ID); err != nil {
		t.Fatal(err)
	}
	if n := len(alice.Messages()); n != 0 {
		t.Errorf("alice still shows %d messages", n)
	}
	eventually(t, func() bool { return len(bob.Messages()) == 0 }, "bob never applied the delete")
}

func TestRejectedDeleteRestoresConversation(t *testing.T) {
	h := newHarness(t)
	m := h.api.history.Record(domain.Message{SenderID: 1, RecipientID: 2, Payload: domain.Text{Body: "keep"}})
	alice := h.client(t, 1, Config{}, nil)
	alice.Select(2)
	eventually(t, func() bool { return len(alice.Messages()) == 1 }, "history never loaded")

	h.api.mu.Lock()
	h.api.deleteErr = errors.New("forbidden")
	h.api.mu.Unlock()

	if err := alice.Delete(context.Background(), m.ID); err == nil {
		t.Fatal("expected delete error")
	}
	if got := contents(alice.Messages()); len(got) != 1 || got[0] != "keep" {
		t.Errorf("messages after rejected delete = %v", got)
	}
}

func TestClearEmptiesConversation(t *testing.T) {
	h := newHarness(t)
	h.api.history.Record(domain.Message{SenderID: 1, RecipientID: 2, Payload: domain.Text{Body: "a"}})
	alice := h.client(t, 1, Config{}, nil)

	if alice.Clear(context.Background()) {
		t.Error("Clear without a conversation reported success")
	}
	alice.Select(2)
	eventually(t, func() bool { return len(alice.Messages()) == 1 }, "history never loaded")
	if !alice.Clear(context.Background()) {
		t.Fatal("Clear failed")
	}
	if n := len(alice.Messages()); n != 0 {
		t.Errorf("%d messages after clear", n)
	}
	if n := len(h.api.history.Between(1, 2)); n != 0 {
		t.Errorf("server kept %d messages", n)
	}
}

func TestSendFileUploadsThenSends(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t, 1, Config{}, nil)
	bob := h.client(t, 2, Config{}, nil)
	h.open(t, alice, 2)
	h.open(t, bob, 1)

	if _, err := alice.SendFile(context.Background(), "cat.png", strings.NewReader("meow")); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		msgs := bob.Messages()
		return len(msgs) == 1 && msgs[0].Kind() == domain.KindFile
	}, "bob never received the file message")
	f, ok := bob.Messages()[0].Payload.(domain.File)
	if !ok || f.Name != "cat.png" {
		t.Errorf("payload = %#v", bob.Messages()[0].Payload)
	}
}

func TestReconnectResynchronizes(t *testing.T) {
	h := newHarness(t)
	alice := h.client(t, 1, Config{}, nil)
	h.open(t, alice, 2)

	h.broker.Sever()
	// Sent while alice was offline; only a refetch can bring it back.
	h.api.history.Record(domain.Message{SenderID: 2, RecipientID: 1, Payload: domain.Text{Body: "missed"}})

	eventually(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].Content() == "missed"
	}, "missed message never resynchronized")
	if alice.State() != status.Connected {
		t.Errorf("state = %s after resync", alice.State())
	}
}

func TestPendingSweeperMarksFailed(t *testing.T) {
	h := newHarness(t)
	b := bus.New()
	// No relay routes on this broker, so sends are never echoed.
	m := realtime.NewManager(transport.NewMemoryBroker(), status.NewMachine(b), nil, time.Hour, nil)
	c := New(transport.Credentials{Token: "tok", UserID: 1}, Config{PendingTimeout: time.Millisecond}, Deps{
		Session: m,
		API:     h.api,
		Bus:     b,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	c.Select(2)

	if _, err := c.Send("lost"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := c.Messages(); len(msgs) == 1 && msgs[0].Status == domain.Failed {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("messages = %+v, want one failed entry", c.Messages())
}

func TestRejectedPublishMarksFailed(t *testing.T) {
	h := newHarness(t)
	b := bus.New()
	broker := transport.NewMemoryBroker()
	m := realtime.NewManager(broker, status.NewMachine(b), nil, time.Hour, nil)
	c := New(transport.Credentials{Token: "tok", UserID: 1}, Config{}, Deps{
		Session: m,
		API:     h.api,
		Bus:     b,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.AwaitConnected(ctx); err != nil {
		t.Fatal(err)
	}
	c.Select(2)

	broker.Sever()
	eventually(t, func() bool { return c.State() == status.Reconnecting }, "session never noticed the drop")

	sent, err := c.Send("offline")
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].LocalKey == sent.LocalKey && msgs[0].Status == domain.Failed
	}, "rejected send was never marked failed")
}

func TestUsersAndPartners(t *testing.T) {
	h := newHarness(t)
	h.api.history.Record(domain.Message{SenderID: 1, RecipientID: 3, Payload: domain.Text{Body: "yo"}})
	alice := h.client(t, 1, Config{}, nil)

	users, err := alice.Users(context.Background(), "")
	if err != nil || len(users) != 3 {
		t.Errorf("users = %v, %v", users, err)
	}
	users, err = alice.Users(context.Background(), "car")
	if err != nil || len(users) != 1 || users[0].ID != 3 {
		t.Errorf("search = %v, %v", users, err)
	}
	partners, err := alice.Partners(context.Background())
	if err != nil || len(partners) != 1 || partners[0].Username != "carol" {
		t.Errorf("partners = %v, %v", partners, err)
	}
}
