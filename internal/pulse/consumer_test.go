package pulse

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mozilla/autophone/pkg/autophone"
)

// fakeAcknowledger satisfies amqp.Acknowledger so deliveries built directly
// in tests (rather than received from a real channel) can be Ack/Nacked
// without a nil-Acknowledger panic.
type fakeAcknowledger struct{}

func (fakeAcknowledger) Ack(tag uint64, multiple bool) error                  { return nil }
func (fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error    { return nil }
func (fakeAcknowledger) Reject(tag uint64, requeue bool) error                { return nil }

// nackRecorder is a fakeAcknowledger that records whether Nack was called.
type nackRecorder struct {
	fakeAcknowledger
	nacked bool
}

func (r *nackRecorder) Nack(tag uint64, multiple bool, requeue bool) error {
	r.nacked = true
	return nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.Default()
}

func newTestDelivery(typ string, body []byte) amqp.Delivery {
	return amqp.Delivery{Acknowledger: fakeAcknowledger{}, Type: typ, Body: body}
}

func TestConsumer_Backoff_GrowsAndCaps(t *testing.T) {
	c := &Consumer{cfg: Config{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, JitterFrac: 0}}

	first := c.backoff(1)
	second := c.backoff(2)
	capped := c.backoff(10)

	if first != 10*time.Millisecond {
		t.Fatalf("expected first backoff to equal base delay, got %v", first)
	}
	if second <= first {
		t.Fatalf("expected backoff to grow: first=%v second=%v", first, second)
	}
	if capped != 50*time.Millisecond {
		t.Fatalf("expected backoff capped at max delay, got %v", capped)
	}
}

func TestConsumer_Backoff_DefaultsWhenUnconfigured(t *testing.T) {
	c := &Consumer{}
	if d := c.backoff(1); d < time.Second {
		t.Fatalf("expected default base delay of at least 1s, got %v", d)
	}
}

func TestConsumer_HandleDelivery_BuildMessageDispatchesOnBuild(t *testing.T) {
	var got autophone.BuildEvent
	called := false
	c := &Consumer{
		filter: NewFilter(nil, nil, nil),
		onBuild: func(ctx context.Context, ev autophone.BuildEvent) error {
			called = true
			got = ev
			return nil
		},
		log: testLogger(t),
	}

	body, _ := json.Marshal(RawBuildMessage{Tree: "mozilla-central", PackageURL: "http://build/1"})
	c.handleDelivery(context.Background(), newTestDelivery("", body))

	if !called {
		t.Fatal("expected onBuild to be invoked")
	}
	if got.Repo != "mozilla-central" || got.PackageURL != "http://build/1" {
		t.Fatalf("unexpected build event: %+v", got)
	}
}

func TestConsumer_HandleDelivery_FilteredBuildMessageSkipsHandler(t *testing.T) {
	called := false
	c := &Consumer{
		filter:  NewFilter([]string{"mozilla-central"}, nil, nil),
		onBuild: func(ctx context.Context, ev autophone.BuildEvent) error { called = true; return nil },
		log:     testLogger(t),
	}

	body, _ := json.Marshal(RawBuildMessage{Tree: "fx-team"})
	c.handleDelivery(context.Background(), newTestDelivery("", body))

	if called {
		t.Fatal("expected a filtered-out repo to never reach onBuild")
	}
}

func TestConsumer_HandleDelivery_JobActionDispatchesOnJobAction(t *testing.T) {
	var got autophone.JobActionEvent
	called := false
	c := &Consumer{
		filter: NewFilter(nil, nil, nil),
		onJobAction: func(ctx context.Context, ev autophone.JobActionEvent) error {
			called = true
			got = ev
			return nil
		},
		log: testLogger(t),
	}

	body, _ := json.Marshal(RawJobActionMessage{Action: "cancel", TestGUID: "guid-1", Machine: "dev-1"})
	c.handleDelivery(context.Background(), newTestDelivery("job-action", body))

	if !called {
		t.Fatal("expected onJobAction to be invoked")
	}
	if got.Kind != autophone.JobActionCancel || got.TestGUID != "guid-1" {
		t.Fatalf("unexpected job-action event: %+v", got)
	}
}

func TestConsumer_HandleDelivery_MalformedJobActionIsNacked(t *testing.T) {
	called := false
	c := &Consumer{
		filter:      NewFilter(nil, nil, nil),
		onJobAction: func(ctx context.Context, ev autophone.JobActionEvent) error { called = true; return nil },
		log:         testLogger(t),
	}

	ack := &nackRecorder{}
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Type: "job-action", Body: []byte("not json")})

	if called {
		t.Fatal("expected malformed job-action body to never reach onJobAction")
	}
	if !ack.nacked {
		t.Fatal("expected malformed job-action delivery to be nacked")
	}
}
