package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tbourn/go-market-chat/internal/push"
	"github.com/tbourn/go-market-chat/internal/repo"
)

type scriptedDeliverer struct {
	mu       sync.Mutex
	outcomes map[string]push.Outcome
	seen     []string
}

func (d *scriptedDeliverer) Deliver(_ context.Context, t push.Target, _ []byte) (push.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, t.Endpoint)
	out, ok := d.outcomes[t.Endpoint]
	if !ok {
		out = push.Delivered
	}
	switch out {
	case push.Permanent:
		return out, errors.New("gone")
	case push.Transient:
		return out, errors.New("503")
	}
	return out, nil
}

func (d *scriptedDeliverer) attempts(endpoint string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.seen {
		if e == endpoint {
			n++
		}
	}
	return n
}

func TestPushService_SendToUser_PrunesGoneEndpoints(t *testing.T) {
	db := newSvcDB(t)
	ctx := context.Background()
	d := &scriptedDeliverer{outcomes: map[string]push.Outcome{
		"https://push.example/gone":  push.Permanent,
		"https://push.example/flaky": push.Transient,
	}}
	s := NewPushService(db, d)

	for _, ep := range []string{"https://push.example/ok", "https://push.example/gone", "https://push.example/flaky"} {
		if _, err := s.Subscribe(ctx, 7, ep, "p256", "auth"); err != nil {
			t.Fatalf("Subscribe %s: %v", ep, err)
		}
	}
	n := push.Notification{Title: "Nuevo Mensaje", Body: "Hola", URL: "/messages?conversation=1"}

	res, err := s.SendToUser(ctx, 7, n)
	if err != nil {
		t.Fatalf("SendToUser: %v", err)
	}
	if res != (PushResult{Sent: 1, Pruned: 1, Failed: 1}) {
		t.Fatalf("unexpected result: %+v", res)
	}
	subs, _ := repo.ListSubscriptions(ctx, db, 7)
	if len(subs) != 2 {
		t.Fatalf("gone endpoint should be deleted, %d left", len(subs))
	}

	if _, err := s.SendToUser(ctx, 7, n); err != nil {
		t.Fatalf("second SendToUser: %v", err)
	}
	if got := d.attempts("https://push.example/gone"); got != 1 {
		t.Fatalf("pruned endpoint attempted %d times", got)
	}
	if got := d.attempts("https://push.example/flaky"); got != 2 {
		t.Fatalf("transient endpoint must be kept, attempted %d times", got)
	}
}

func TestPushService_SendToUser_Edges(t *testing.T) {
	db := newSvcDB(t)
	s := NewPushService(db, &scriptedDeliverer{})
	ctx := context.Background()

	res, err := s.SendToUser(ctx, 1, push.Notification{Title: "x"})
	if err != nil || res != (PushResult{}) {
		t.Fatalf("no subscriptions: %+v err=%v", res, err)
	}
	if _, err := s.SendToUser(ctx, 1, push.Notification{}); !errors.Is(err, ErrInvalidNotification) {
		t.Fatalf("missing title: %v", err)
	}
	if _, err := s.SendToUser(ctx, 0, push.Notification{Title: "x"}); !errors.Is(err, ErrInvalidNotification) {
		t.Fatalf("missing user: %v", err)
	}
}

func TestPushService_Subscribe(t *testing.T) {
	db := newSvcDB(t)
	s := NewPushService(db, push.Disabled{})
	ctx := context.Background()

	bad := [][3]string{
		{"", "k", "a"},
		{"https://push.example/1", "", "a"},
		{"https://push.example/1", "k", " "},
		{"ftp://push.example/1", "k", "a"},
		{"not a url", "k", "a"},
	}
	for _, b := range bad {
		if _, err := s.Subscribe(ctx, 1, b[0], b[1], b[2]); !errors.Is(err, ErrInvalidSubscription) {
			t.Fatalf("Subscribe(%q,%q,%q): want ErrInvalidSubscription, got %v", b[0], b[1], b[2], err)
		}
	}

	first, err := s.Subscribe(ctx, 1, "https://push.example/dev", "k1", "a1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	moved, err := s.Subscribe(ctx, 2, "https://push.example/dev", "k2", "a2")
	if err != nil {
		t.Fatalf("re-Subscribe: %v", err)
	}
	if moved.ID != first.ID || moved.UserID != 2 || moved.P256dh != "k2" {
		t.Fatalf("endpoint should be reassigned in place: %+v", moved)
	}
	if subs, _ := repo.ListSubscriptions(ctx, db, 1); len(subs) != 0 {
		t.Fatalf("old owner still has %d subscriptions", len(subs))
	}

	// With push disabled every attempt fails transiently and nothing is pruned.
	res, err := s.SendToUser(ctx, 2, push.Notification{Title: "x"})
	if err != nil || res.Failed != 1 || res.Pruned != 0 {
		t.Fatalf("disabled push: %+v err=%v", res, err)
	}
}
