package timeline

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/duochat/internal/bus"
	"github.com/matheus3301/duochat/internal/domain"
)

// recordingPublisher captures messages handed to the outbound path.
type recordingPublisher struct {
	sent []domain.Message
}

func (p *recordingPublisher) SendMessage(m domain.Message) { p.sent = append(p.sent, m) }

func text(from, to domain.UserID, body string) domain.Message {
	return domain.Message{SenderID: from, RecipientID: to, Payload: domain.Text{Body: body}}
}

func echo(id domain.MessageID, from, to domain.UserID, body string) domain.Message {
	m := text(from, to, body)
	m.ID = id
	return m
}

func TestAppendOptimistic(t *testing.T) {
	pub := &recordingPublisher{}
	mock := clock.NewMock()
	s := New(pub, mock, nil, nil)

	got := s.AppendOptimistic(text(1, 2, "hello"))

	if got.LocalKey == "" {
		t.Error("local key not assigned")
	}
	if got.Status != domain.Pending || got.ID != 0 {
		t.Errorf("status=%s id=%d, want pending with no id", got.Status, got.ID)
	}
	if !got.Timestamp.Equal(mock.Now()) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, mock.Now())
	}
	if len(pub.sent) != 1 || pub.sent[0].LocalKey != got.LocalKey {
		t.Errorf("published %+v", pub.sent)
	}
	if s.Len() != 1 {
		t.Errorf("len = %d, want 1", s.Len())
	}
}

func TestMergeReplacesPendingEcho(t *testing.T) {
	s := New(nil, nil, nil, nil)
	s.AppendOptimistic(text(2, 3, "earlier"))
	local := s.AppendOptimistic(text(1, 2, "hello"))

	if !s.MergeIncoming(echo(501, 1, 2, "hello")) {
		t.Fatal("echo was not merged")
	}

	all := s.Snapshot()
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	got := all[1]
	if got.ID != 501 || got.Status != domain.Confirmed {
		t.Errorf("entry = %+v, want confirmed id 501", got)
	}
	if got.LocalKey != local.LocalKey {
		t.Errorf("local key = %q, want %q kept", got.LocalKey, local.LocalKey)
	}
	if all[0].Content() != "earlier" {
		t.Error("merge moved unrelated entries")
	}
}

func TestMergeIdenticalContentFIFO(t *testing.T) {
	s := New(nil, nil, nil, nil)
	first := s.AppendOptimistic(text(1, 2, "same"))
	second := s.AppendOptimistic(text(1, 2, "same"))

	// Echoes arrive out of order; each still lands on the oldest pending match.
	s.MergeIncoming(echo(11, 1, 2, "same"))
	s.MergeIncoming(echo(10, 1, 2, "same"))

	all := s.Snapshot()
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	if all[0].ID != 11 || all[0].LocalKey != first.LocalKey {
		t.Errorf("first = %+v, want id 11 in first slot", all[0])
	}
	if all[1].ID != 10 || all[1].LocalKey != second.LocalKey {
		t.Errorf("second = %+v, want id 10 in second slot", all[1])
	}
	for _, m := range all {
		if m.Status != domain.Confirmed {
			t.Errorf("entry %d still %s", m.ID, m.Status)
		}
	}
}

func TestMergeRequiresFullTupleMatch(t *testing.T) {
	tests := []struct {
		name     string
		incoming domain.Message
	}{
		{"other sender", echo(1, 3, 2, "hi")},
		{"other recipient", echo(1, 1, 3, "hi")},
		{"other content", echo(1, 1, 2, "hey")},
		{"other kind", domain.Message{ID: 1, SenderID: 1, RecipientID: 2, Payload: domain.File{URL: "hi"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(nil, nil, nil, nil)
			s.AppendOptimistic(text(1, 2, "hi"))
			if s.MergeIncoming(tt.incoming) {
				t.Error("mismatched echo replaced the pending entry")
			}
			all := s.Snapshot()
			if len(all) != 2 || !all[0].Pending() {
				t.Errorf("timeline = %+v", all)
			}
		})
	}
}

func TestMergeRemoteMessageAppends(t *testing.T) {
	s := New(nil, nil, nil, nil)
	s.MergeIncoming(echo(1, 2, 1, "from peer"))
	s.MergeIncoming(echo(2, 2, 1, "again"))

	all := s.Snapshot()
	if len(all) != 2 || all[1].ID != 2 {
		t.Errorf("timeline = %+v", all)
	}
}

func TestMergeRedeliveryIsIdempotent(t *testing.T) {
	s := New(nil, nil, nil, nil)
	s.AppendOptimistic(text(1, 2, "hi"))
	s.MergeIncoming(echo(7, 1, 2, "hi"))
	s.AppendOptimistic(text(1, 2, "hi"))

	// The same echo delivered again must not consume the newer pending entry.
	if !s.MergeIncoming(echo(7, 1, 2, "hi")) {
		t.Error("redelivery not treated as update")
	}
	all := s.Snapshot()
	if len(all) != 2 || !all[1].Pending() {
		t.Errorf("timeline = %+v, want second entry still pending", all)
	}
}

func TestApplyDeleteIdempotent(t *testing.T) {
	s := New(nil, nil, nil, nil)
	s.MergeIncoming(echo(1, 1, 2, "a"))
	s.MergeIncoming(echo(2, 1, 2, "b"))

	if !s.ApplyDelete(1) {
		t.Fatal("first delete reported no-op")
	}
	before := s.Snapshot()
	if s.ApplyDelete(1) {
		t.Error("second delete reported a removal")
	}
	after := s.Snapshot()
	if len(before) != 1 || len(after) != 1 || after[0].ID != 2 {
		t.Errorf("before=%+v after=%+v", before, after)
	}
	if s.ApplyDelete(0) {
		t.Error("delete of id 0 removed a pending entry")
	}
}

func TestDiscard(t *testing.T) {
	s := New(nil, nil, nil, nil)
	m := s.AppendOptimistic(text(1, 2, "oops"))
	if !s.Discard(m.LocalKey) {
		t.Fatal("discard failed")
	}
	if s.Len() != 0 {
		t.Errorf("len = %d, want 0", s.Len())
	}
	if s.Discard(m.LocalKey) {
		t.Error("second discard reported a removal")
	}
}

func TestApplyClear(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindTimelineChanged, 10)
	defer unsub()

	s := New(nil, nil, b, nil)
	s.MergeIncoming(echo(1, 1, 2, "a"))
	s.AppendOptimistic(text(1, 2, "b"))
	s.ApplyClear(1, 2)

	if s.Len() != 0 {
		t.Errorf("len = %d after clear", s.Len())
	}

	var ops []Op
	for len(ch) > 0 {
		evt := <-ch
		ops = append(ops, evt.Payload.(Change).Op)
	}
	want := []Op{OpAppend, OpAppend, OpClear}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("ops[%d] = %s, want %s", i, ops[i], want[i])
		}
	}
}

func TestReplaceKeepsInFlightSends(t *testing.T) {
	s := New(nil, nil, nil, nil)
	s.MergeIncoming(echo(1, 2, 1, "stale"))
	s.AppendOptimistic(text(1, 2, "echoed"))
	inflight := s.AppendOptimistic(text(1, 2, "in flight"))

	s.Replace(1, 2, []domain.Message{
		echo(3, 2, 1, "fresh"),
		echo(4, 1, 2, "echoed"),
	})

	all := s.Snapshot()
	if len(all) != 3 {
		t.Fatalf("timeline = %+v, want 3 entries", all)
	}
	if all[0].ID != 3 || all[1].ID != 4 {
		t.Errorf("history order = %d,%d", all[0].ID, all[1].ID)
	}
	if all[2].LocalKey != inflight.LocalKey || !all[2].Pending() {
		t.Errorf("in-flight entry = %+v", all[2])
	}
}

func TestReplaceDropsOtherConversations(t *testing.T) {
	s := New(nil, nil, nil, nil)
	s.AppendOptimistic(text(1, 2, "to two"))
	failed := s.AppendOptimistic(text(1, 2, "rejected"))
	s.MarkFailed(failed.LocalKey)
	s.AppendOptimistic(text(1, 2, "second try"))

	kept := s.AppendOptimistic(text(1, 3, "to three"))
	s.Replace(1, 3, []domain.Message{echo(9, 3, 1, "hi")})

	all := s.Snapshot()
	if len(all) != 2 {
		t.Fatalf("timeline = %+v, want 2 entries", all)
	}
	if all[0].ID != 9 || all[1].LocalKey != kept.LocalKey {
		t.Errorf("timeline = %+v", all)
	}
	if got := s.Between(1, 2); len(got) != 0 {
		t.Errorf("entries for the previous conversation survived: %+v", got)
	}
}

func TestExpirePending(t *testing.T) {
	mock := clock.NewMock()
	s := New(nil, mock, nil, nil)
	old := s.AppendOptimistic(text(1, 2, "old"))
	mock.Add(time.Minute)
	s.AppendOptimistic(text(1, 2, "new"))

	if n := s.ExpirePending(mock.Now().Add(-30 * time.Second)); n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	all := s.Snapshot()
	if all[0].Status != domain.Failed || !all[1].Pending() {
		t.Errorf("statuses = %s,%s", all[0].Status, all[1].Status)
	}

	// A late echo still confirms a failed entry.
	s.MergeIncoming(echo(9, 1, 2, "old"))
	all = s.Snapshot()
	if all[0].ID != 9 || all[0].Status != domain.Confirmed || all[0].LocalKey != old.LocalKey {
		t.Errorf("late echo = %+v", all[0])
	}
}

func TestMarkFailed(t *testing.T) {
	s := New(nil, nil, nil, nil)
	m := s.AppendOptimistic(text(1, 2, "offline"))

	if !s.MarkFailed(m.LocalKey) {
		t.Fatal("MarkFailed = false for a pending entry")
	}
	if s.MarkFailed(m.LocalKey) {
		t.Error("MarkFailed = true for an entry already failed")
	}
	if s.MarkFailed("") || s.MarkFailed("unknown") {
		t.Error("MarkFailed matched without a known key")
	}
	if got := s.Snapshot()[0].Status; got != domain.Failed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestBetweenScoping(t *testing.T) {
	s := New(nil, nil, nil, nil)
	s.AppendOptimistic(text(1, 2, "to B"))
	s.MergeIncoming(echo(1, 2, 1, "from B"))
	s.AppendOptimistic(text(1, 3, "to C"))
	s.MergeIncoming(echo(2, 3, 2, "C to B"))
	s.MergeIncoming(domain.Message{ID: 3, SenderID: 4, Payload: domain.Join{Note: "joined"}})

	ab := s.Between(1, 2)
	if len(ab) != 2 {
		t.Fatalf("Between(1,2) = %+v", ab)
	}
	for _, m := range ab {
		if !m.Between(1, 2) {
			t.Errorf("out of scope: %+v", m)
		}
	}

	ac := s.Between(1, 3)
	if len(ac) != 1 || ac[0].Content() != "to C" {
		t.Errorf("Between(1,3) = %+v", ac)
	}
	for _, m := range ac {
		if m.RecipientID == 2 || m.SenderID == 2 {
			t.Errorf("B's entry carried into C's view: %+v", m)
		}
	}
}
