package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"multibroker-trader/internal/models"
)

// fakeStream records subscribe traffic so hub forwarding can be
// asserted without a live socket.
type fakeStream struct {
	mu           sync.Mutex
	subscribed   [][]string
	unsubscribed [][]string
	connected    bool
}

func (f *fakeStream) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (f *fakeStream) Subscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, symbols)
	return nil
}

func (f *fakeStream) Unsubscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, symbols)
	return nil
}

func (f *fakeStream) Disconnect() error { return nil }

func waitForTick(t *testing.T, ch <-chan models.Tick) models.Tick {
	t.Helper()
	select {
	case tick := <-ch:
		return tick
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
		return models.Tick{}
	}
}

func TestHubFansOutToSymbolSubscribers(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	sbin1 := hub.Subscribe("NSE:SBIN-EQ")
	sbin2 := hub.Subscribe("NSE:SBIN-EQ")
	rel := hub.Subscribe("NSE:RELIANCE-EQ")

	hub.Publish(models.Tick{Symbol: "NSE:SBIN-EQ", LTP: 822.5})

	for _, ch := range []<-chan models.Tick{sbin1, sbin2} {
		tick := waitForTick(t, ch)
		if tick.LTP != 822.5 {
			t.Errorf("LTP = %v", tick.LTP)
		}
	}

	select {
	case tick := <-rel:
		t.Errorf("unrelated subscriber received %+v", tick)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDropsForSlowConsumers(t *testing.T) {
	hub := NewHubWithConfig(HubConfig{BufferSize: 100, SubscriberBufferSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	hub.Subscribe("NSE:SBIN-EQ") // never drained

	for i := 0; i < 50; i++ {
		hub.Publish(models.Tick{Symbol: "NSE:SBIN-EQ", LTP: float64(i)})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m := hub.GetMetrics(); m.TicksDropped > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("slow consumer never triggered drops")
}

func TestHubForwardsSubscriptionsToAttachedStream(t *testing.T) {
	hub := NewHub()
	fs := &fakeStream{}
	hub.Attach(fs)

	ch := hub.Subscribe("NFO:NIFTY25AUG24000CE")
	fs.mu.Lock()
	subs := len(fs.subscribed)
	fs.mu.Unlock()
	if subs != 1 {
		t.Fatalf("stream saw %d subscribe calls, want 1", subs)
	}

	hub.Unsubscribe("NFO:NIFTY25AUG24000CE", ch)
	fs.mu.Lock()
	unsubs := len(fs.unsubscribed)
	fs.mu.Unlock()
	if unsubs != 1 {
		t.Errorf("stream saw %d unsubscribe calls, want 1", unsubs)
	}
}

func TestHubKeepsWireSubscriptionWhileSubscribersRemain(t *testing.T) {
	hub := NewHub()
	fs := &fakeStream{}
	hub.Attach(fs)

	ch1 := hub.Subscribe("NSE:SBIN-EQ")
	ch2 := hub.Subscribe("NSE:SBIN-EQ")

	hub.Unsubscribe("NSE:SBIN-EQ", ch1)
	fs.mu.Lock()
	unsubs := len(fs.unsubscribed)
	fs.mu.Unlock()
	if unsubs != 0 {
		t.Errorf("wire unsubscribed while a subscriber remained")
	}

	hub.Unsubscribe("NSE:SBIN-EQ", ch2)
	fs.mu.Lock()
	unsubs = len(fs.unsubscribed)
	fs.mu.Unlock()
	if unsubs != 1 {
		t.Errorf("last unsubscribe did not reach the wire")
	}
}

func TestHubStartConnectsAttachedStream(t *testing.T) {
	hub := NewHub()
	fs := &fakeStream{}
	hub.Attach(fs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		connected := fs.connected
		fs.mu.Unlock()
		if connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("attached stream never connected")
}

func TestHubConsumers(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	got := make(chan models.Tick, 10)
	consumer := NewConsumerFunc([]string{"NSE:SBIN-EQ"}, func(tick models.Tick) {
		got <- tick
	})
	hub.RegisterConsumer(consumer)

	hub.Publish(models.Tick{Symbol: "NSE:SBIN-EQ", LTP: 1})
	hub.Publish(models.Tick{Symbol: "NSE:RELIANCE-EQ", LTP: 2})

	tick := waitForTick(t, got)
	if tick.Symbol != "NSE:SBIN-EQ" {
		t.Errorf("consumer saw %q", tick.Symbol)
	}
	select {
	case tick := <-got:
		t.Errorf("filtered consumer saw %+v", tick)
	case <-time.After(50 * time.Millisecond):
	}

	hub.UnregisterConsumer(consumer)
	hub.Publish(models.Tick{Symbol: "NSE:SBIN-EQ", LTP: 3})
	select {
	case tick := <-got:
		t.Errorf("unregistered consumer saw %+v", tick)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubMetricsCountReceived(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	ch := hub.Subscribe("NSE:SBIN-EQ")
	hub.Publish(models.Tick{Symbol: "NSE:SBIN-EQ", LTP: 1})
	waitForTick(t, ch)

	m := hub.GetMetrics()
	if m.TicksReceived != 1 {
		t.Errorf("TicksReceived = %d, want 1", m.TicksReceived)
	}
	if m.TicksBroadcast != 1 {
		t.Errorf("TicksBroadcast = %d, want 1", m.TicksBroadcast)
	}
	if m.Subscribers != 1 || m.Symbols != 1 {
		t.Errorf("Subscribers/Symbols = %d/%d", m.Subscribers, m.Symbols)
	}
}

func TestHubStopClosesSubscriberChannels(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)

	ch := hub.Subscribe("NSE:SBIN-EQ")
	hub.Stop()

	select {
	case _, open := <-ch:
		if open {
			t.Error("channel delivered a tick after Stop")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed by Stop")
	}
	if hub.IsStarted() {
		t.Error("hub still reports started after Stop")
	}
}
