package core

import (
	"context"
	"testing"
	"time"

	"github.com/parleychat/parley-server/internal/store"
	"github.com/parleychat/parley-server/internal/store/sqlite"
)

func newTestHub(t testing.TB, historyLimit int) (*Hub, store.Store) {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hub := NewHub(st, nil, historyLimit)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	return hub, st
}

func login(t *testing.T, hub *Hub, connID, username string) (*Client, *store.User) {
	t.Helper()

	c := NewClient(connID)
	hub.RegisterClient(c)
	c.Commands <- &Command{Kind: CommandLogin, Username: username}

	ev := mustEvent(t, c.Events, EventLoggedIn)
	if ev.User == nil || ev.User.Username != username {
		t.Fatalf("unexpected login event: %+v", ev)
	}
	return c, ev.User
}

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for kind %v", kind)
			}
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

// mustNoEvent drains the channel briefly and fails if the given kind shows up.
func mustNoEvent(t *testing.T, ch <-chan *Event, kind EventKind) {
	t.Helper()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev != nil && ev.Kind == kind {
				t.Fatalf("unexpected event received: %+v", ev)
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}
