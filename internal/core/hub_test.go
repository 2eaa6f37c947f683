package core

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/parleychat/parley-server/internal/store"
)

// mustMessage waits for a message event with the given content, skipping
// unrelated traffic such as system messages.
func mustMessage(t *testing.T, ch <-chan *Event, content string) *store.Message {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for message %q", content)
			}
			if ev != nil && ev.Kind == EventNewMessage && ev.Message.Content == content {
				return ev.Message
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("message %q not received", content)
	return nil
}

func TestLoginIsIdempotent(t *testing.T) {
	hub, st := newTestHub(t, 0)

	c, first := login(t, hub, "conn-1", "alice")

	c.Commands <- &Command{Kind: CommandLogin, Username: "alice"}
	second := mustEvent(t, c.Events, EventLoggedIn)

	if second.User.ID != first.ID {
		t.Fatalf("repeated login produced a new identity: %s vs %s", second.User.ID, first.ID)
	}

	users, err := st.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected one persisted identity, got %d", len(users))
	}
	if users[0].Avatar != "A" {
		t.Fatalf("expected derived avatar A, got %q", users[0].Avatar)
	}
}

func TestLoginBroadcastsStatusAndSystemMessage(t *testing.T) {
	hub, _ := newTestHub(t, 0)

	alice, _ := login(t, hub, "conn-a", "alice")
	_, bobUser := login(t, hub, "conn-b", "bob")

	status := mustEvent(t, alice.Events, EventStatusChanged)
	if status.UserID != bobUser.ID || !status.IsOnline {
		t.Fatalf("unexpected status event: %+v", status)
	}

	system := mustMessage(t, alice.Events, "bob joined the chat")
	if !system.IsSystem || system.RoomID != store.GlobalRoomID || system.SenderName != "System" {
		t.Fatalf("unexpected system message: %+v", system)
	}
	if system.SenderID != "" {
		t.Fatalf("system message has a sender: %q", system.SenderID)
	}
}

func TestGlobalMessageReachesAllLoggedIn(t *testing.T) {
	hub, _ := newTestHub(t, 0)

	alice, aliceUser := login(t, hub, "conn-a", "alice")
	bob, _ := login(t, hub, "conn-b", "bob")

	alice.Commands <- &Command{Kind: CommandSendMessage, RoomID: store.GlobalRoomID, Content: "hi"}

	for _, c := range []*Client{alice, bob} {
		msg := mustMessage(t, c.Events, "hi")
		if msg.SenderName != "alice" || msg.SenderID != aliceUser.ID || msg.RoomID != store.GlobalRoomID {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if msg.IsSystem {
			t.Fatal("ordinary message flagged as system")
		}
	}
}

func TestReactionToggleRoundTrip(t *testing.T) {
	hub, _ := newTestHub(t, 0)

	alice, aliceUser := login(t, hub, "conn-a", "alice")
	alice.Commands <- &Command{Kind: CommandSendMessage, RoomID: store.GlobalRoomID, Content: "react to me"}
	msg := mustMessage(t, alice.Events, "react to me")

	react := func() *Event {
		alice.Commands <- &Command{Kind: CommandReact, MessageID: msg.ID, Emoji: "👍"}
		return mustEvent(t, alice.Events, EventMessageUpdated)
	}

	first := react()
	if len(first.Reactions) != 1 || first.Reactions[0].UserID != aliceUser.ID || first.Reactions[0].Emoji != "👍" {
		t.Fatalf("expected single reaction after first toggle, got %+v", first.Reactions)
	}

	second := react()
	if len(second.Reactions) != 0 {
		t.Fatalf("expected empty reactions after second toggle, got %+v", second.Reactions)
	}

	third := react()
	if len(third.Reactions) != 1 {
		t.Fatalf("expected single reaction after third toggle, got %+v", third.Reactions)
	}
}

func TestPrivateChatResolvesToSameRoom(t *testing.T) {
	hub, _ := newTestHub(t, 0)

	alice, aliceUser := login(t, hub, "conn-a", "alice")
	bob, bobUser := login(t, hub, "conn-b", "bob")

	alice.Commands <- &Command{Kind: CommandPrivateChat, OtherUserID: bobUser.ID}
	fromAlice := mustEvent(t, alice.Events, EventPrivateStarted)
	if !fromAlice.Room.IsPrivate || fromAlice.Room.Name != "bob" {
		t.Fatalf("unexpected private room: %+v", fromAlice.Room)
	}
	if len(fromAlice.Room.Participants) != 2 {
		t.Fatalf("expected two participants, got %v", fromAlice.Room.Participants)
	}

	bob.Commands <- &Command{Kind: CommandPrivateChat, OtherUserID: aliceUser.ID}
	fromBob := mustEvent(t, bob.Events, EventPrivateStarted)
	if fromBob.Room.ID != fromAlice.Room.ID {
		t.Fatalf("private rooms differ: %s vs %s", fromBob.Room.ID, fromAlice.Room.ID)
	}

	// Repeating the request from the same side changes nothing either.
	alice.Commands <- &Command{Kind: CommandPrivateChat, OtherUserID: bobUser.ID}
	again := mustEvent(t, alice.Events, EventPrivateStarted)
	if again.Room.ID != fromAlice.Room.ID {
		t.Fatalf("repeated request created a new room: %s", again.Room.ID)
	}
}

func TestJoinRoomRepliesWithBoundedHistory(t *testing.T) {
	hub, st := newTestHub(t, 5)
	ctx := context.Background()

	seed, _, err := st.FindOrCreateUser(ctx, "seeder", "S")
	if err != nil {
		t.Fatalf("create seeder: %v", err)
	}
	room, err := st.CreateRoom(ctx, "team", seed.ID)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	contents := []string{"m0", "m1", "m2", "m3", "m4", "m5", "m6", "m7"}
	for _, content := range contents {
		msg := &store.Message{RoomID: room.ID, SenderID: seed.ID, SenderName: "seeder", Content: content}
		if err := st.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("create message %s: %v", content, err)
		}
	}

	bob, _ := login(t, hub, "conn-b", "bob")
	bob.Commands <- &Command{Kind: CommandJoinRoom, RoomID: room.ID}

	joined := mustEvent(t, bob.Events, EventRoomJoined)
	if joined.RoomID != room.ID {
		t.Fatalf("joined wrong room: %s", joined.RoomID)
	}
	if len(joined.Messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(joined.Messages))
	}
	for i, msg := range joined.Messages {
		if want := contents[3+i]; msg.Content != want {
			t.Fatalf("message %d = %q, want %q", i, msg.Content, want)
		}
		if i > 0 && !joined.Messages[i-1].Timestamp.Before(msg.Timestamp) {
			t.Fatal("history not in ascending timestamp order")
		}
	}
}

func TestCreateRoomRepliesOnlyToCreator(t *testing.T) {
	hub, st := newTestHub(t, 0)

	alice, _ := login(t, hub, "conn-a", "alice")
	bob, _ := login(t, hub, "conn-b", "bob")

	alice.Commands <- &Command{Kind: CommandCreateRoom, Name: "team"}
	created := mustEvent(t, alice.Events, EventRoomCreated)
	if created.Room.Name != "team" || created.Room.IsPrivate {
		t.Fatalf("unexpected room: %+v", created.Room)
	}

	mustNoEvent(t, bob.Events, EventRoomCreated)

	// The room is discoverable, but bob receives nothing until he joins.
	rooms, err := st.ListRooms(context.Background())
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	found := false
	for _, r := range rooms {
		if r.ID == created.Room.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("created room missing from room list")
	}

	alice.Commands <- &Command{Kind: CommandJoinRoom, RoomID: created.Room.ID}
	mustEvent(t, alice.Events, EventRoomJoined)
	alice.Commands <- &Command{Kind: CommandSendMessage, RoomID: created.Room.ID, Content: "standup at 10"}
	mustMessage(t, alice.Events, "standup at 10")

	mustNoEvent(t, bob.Events, EventNewMessage)

	bob.Commands <- &Command{Kind: CommandJoinRoom, RoomID: created.Room.ID}
	joined := mustEvent(t, bob.Events, EventRoomJoined)
	if len(joined.Messages) != 1 || joined.Messages[0].Content != "standup at 10" {
		t.Fatalf("unexpected history after join: %+v", joined.Messages)
	}
}

func TestDisconnectBroadcastsOfflineOnce(t *testing.T) {
	hub, st := newTestHub(t, 0)

	alice, aliceUser := login(t, hub, "conn-a", "alice")
	bob, _ := login(t, hub, "conn-b", "bob")

	hub.UnregisterClient(alice)

	status := mustEvent(t, bob.Events, EventStatusChanged)
	if status.UserID != aliceUser.ID || status.IsOnline {
		t.Fatalf("unexpected status event: %+v", status)
	}
	mustNoEvent(t, bob.Events, EventStatusChanged)

	// Double-disconnect is a no-op.
	hub.UnregisterClient(alice)
	mustNoEvent(t, bob.Events, EventStatusChanged)

	persisted, err := st.GetUserByID(context.Background(), aliceUser.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if persisted.IsOnline || persisted.ConnectionID != "" {
		t.Fatalf("user still marked online: %+v", persisted)
	}
}

func TestDisconnectReleasesForwarderGoroutine(t *testing.T) {
	hub, _ := newTestHub(t, 0)

	before := runtime.NumGoroutine()

	for i := 0; i < 50; i++ {
		c, _ := login(t, hub, fmt.Sprintf("conn-%d", i), fmt.Sprintf("user%d", i))
		hub.UnregisterClient(c)
		// The transport closes Commands once its read loop stops; that is
		// what lets the per-connection forwarder exit.
		close(c.Commands)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n := runtime.NumGoroutine(); n <= before+2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("goroutines not released: before=%d after=%d", before, runtime.NumGoroutine())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestReloginAsDifferentUserDemotesPrevious(t *testing.T) {
	hub, st := newTestHub(t, 0)

	observer, _ := login(t, hub, "conn-obs", "observer")
	c, aliceUser := login(t, hub, "conn-a", "alice")

	online := mustEvent(t, observer.Events, EventStatusChanged)
	if online.UserID != aliceUser.ID || !online.IsOnline {
		t.Fatalf("unexpected status event: %+v", online)
	}

	c.Commands <- &Command{Kind: CommandLogin, Username: "carol"}

	offline := mustEvent(t, observer.Events, EventStatusChanged)
	if offline.UserID != aliceUser.ID || offline.IsOnline {
		t.Fatalf("expected alice to go offline, got %+v", offline)
	}

	carolIn := mustEvent(t, c.Events, EventLoggedIn)
	if carolIn.User.Username != "carol" {
		t.Fatalf("unexpected identity: %+v", carolIn.User)
	}

	carolOnline := mustEvent(t, observer.Events, EventStatusChanged)
	if carolOnline.UserID != carolIn.User.ID || !carolOnline.IsOnline {
		t.Fatalf("expected carol to come online, got %+v", carolOnline)
	}

	prev, err := st.GetUserByID(context.Background(), aliceUser.ID)
	if err != nil {
		t.Fatalf("get previous user: %v", err)
	}
	if prev.IsOnline || prev.ConnectionID != "" {
		t.Fatalf("previous identity still online: %+v", prev)
	}
}

func TestSecondLoginReplacesSession(t *testing.T) {
	hub, _ := newTestHub(t, 0)

	first, firstUser := login(t, hub, "conn-1", "alice")
	second, secondUser := login(t, hub, "conn-2", "alice")

	if secondUser.ID != firstUser.ID {
		t.Fatalf("second login created a new identity: %s vs %s", secondUser.ID, firstUser.ID)
	}

	mustEvent(t, first.Events, EventSessionReplaced)

	// The stale connection's event stream is closed by the hub.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("stale session event channel never closed")
		}
		if _, ok := <-first.Events; !ok {
			break
		}
	}

	// The replacement must not have demoted the user to offline.
	mustNoEvent(t, second.Events, EventStatusChanged)
}

func TestUnauthenticatedCommandsRejected(t *testing.T) {
	hub, _ := newTestHub(t, 0)

	c := NewClient("conn-x")
	hub.RegisterClient(c)

	c.Commands <- &Command{Kind: CommandSendMessage, RoomID: store.GlobalRoomID, Content: "hi"}
	ev := mustEvent(t, c.Events, EventError)
	if ev.Error == nil || ev.Error.Code != ErrCodeUnauthenticated {
		t.Fatalf("expected unauthenticated error, got %+v", ev)
	}

	c.Commands <- &Command{Kind: CommandCreateRoom, Name: "team"}
	ev = mustEvent(t, c.Events, EventError)
	if ev.Error == nil || ev.Error.Code != ErrCodeUnauthenticated {
		t.Fatalf("expected unauthenticated error, got %+v", ev)
	}
}

func TestSendMessageValidation(t *testing.T) {
	hub, _ := newTestHub(t, 0)

	alice, _ := login(t, hub, "conn-a", "alice")

	alice.Commands <- &Command{Kind: CommandSendMessage, RoomID: store.GlobalRoomID, Content: "   "}
	ev := mustEvent(t, alice.Events, EventError)
	if ev.Error == nil || ev.Error.Code != ErrCodeValidation {
		t.Fatalf("expected validation error for empty content, got %+v", ev)
	}

	alice.Commands <- &Command{
		Kind:    CommandSendMessage,
		RoomID:  store.GlobalRoomID,
		Content: strings.Repeat("a", 1001),
	}
	ev = mustEvent(t, alice.Events, EventError)
	if ev.Error == nil || ev.Error.Code != ErrCodeValidation {
		t.Fatalf("expected validation error for oversized content, got %+v", ev)
	}
}

func TestLoginValidation(t *testing.T) {
	hub, _ := newTestHub(t, 0)

	c := NewClient("conn-x")
	hub.RegisterClient(c)

	c.Commands <- &Command{Kind: CommandLogin, Username: "a"}
	ev := mustEvent(t, c.Events, EventError)
	if ev.Error == nil || ev.Error.Code != ErrCodeValidation {
		t.Fatalf("expected validation error for short username, got %+v", ev)
	}
}

func TestSendToUnknownRoomFails(t *testing.T) {
	hub, _ := newTestHub(t, 0)

	alice, _ := login(t, hub, "conn-a", "alice")
	alice.Commands <- &Command{Kind: CommandSendMessage, RoomID: "ghost", Content: "hello?"}

	ev := mustEvent(t, alice.Events, EventError)
	if ev.Error == nil || ev.Error.Code != ErrCodeNotFound {
		t.Fatalf("expected not_found error, got %+v", ev)
	}
}

func TestTypingExcludesSender(t *testing.T) {
	hub, _ := newTestHub(t, 0)

	alice, aliceUser := login(t, hub, "conn-a", "alice")
	bob, _ := login(t, hub, "conn-b", "bob")

	alice.Commands <- &Command{Kind: CommandTyping, RoomID: store.GlobalRoomID, IsTyping: true}

	typing := mustEvent(t, bob.Events, EventTyping)
	if typing.UserID != aliceUser.ID || typing.Username != "alice" || !typing.IsTyping {
		t.Fatalf("unexpected typing event: %+v", typing)
	}

	mustNoEvent(t, alice.Events, EventTyping)
}

func TestLogoutKeepsConnectionUsable(t *testing.T) {
	hub, _ := newTestHub(t, 0)

	alice, _ := login(t, hub, "conn-a", "alice")
	bob, _ := login(t, hub, "conn-b", "bob")

	alice.Commands <- &Command{Kind: CommandLogout}

	status := mustEvent(t, bob.Events, EventStatusChanged)
	if status.IsOnline {
		t.Fatalf("expected offline status, got %+v", status)
	}

	// Post-logout the connection is anonymous again.
	alice.Commands <- &Command{Kind: CommandSendMessage, RoomID: store.GlobalRoomID, Content: "hi"}
	ev := mustEvent(t, alice.Events, EventError)
	if ev.Error == nil || ev.Error.Code != ErrCodeUnauthenticated {
		t.Fatalf("expected unauthenticated error after logout, got %+v", ev)
	}

	// And it can log back in.
	alice.Commands <- &Command{Kind: CommandLogin, Username: "alice"}
	mustEvent(t, alice.Events, EventLoggedIn)
}
