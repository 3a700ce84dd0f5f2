package event_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/satstacker/satstacker/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"a subscriber only receives events it subscribed to": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("answer.graded"),
						eventWithName("payout.settled"),
					},
					subscribers: []subscriber{
						{
							name:        "s1",
							subscribeTo: []string{"answer.graded"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("answer.graded")}, out.received["s1"])
			},
		},

		"a subscriber receives every published occurrence": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("answer.graded"),
						eventWithName("answer.graded"),
					},
					subscribers: []subscriber{
						{
							name:        "s1",
							subscribeTo: []string{"answer.graded"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["s1"], 2)
			},
		},

		"an event fans out to all subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("payout.settled"),
					},
					subscribers: []subscriber{
						{
							name:        "s1",
							subscribeTo: []string{"payout.settled"},
						},
						{
							name:        "s2",
							subscribeTo: []string{"payout.settled"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("payout.settled")}, out.received["s1"])
				assert.ElementsMatch(t, []event.Event{eventWithName("payout.settled")}, out.received["s2"])
			},
		},

		"mixed events route to matching subscribers only": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("answer.graded"),
						eventWithName("payout.settled"),
						eventWithName("answer.graded"),
						eventWithName("leaderboard.updated"),
					},
					subscribers: []subscriber{
						{
							name:        "s1",
							subscribeTo: []string{"answer.graded"},
						},
						{
							name:        "s2",
							subscribeTo: []string{"answer.graded", "payout.settled"},
						},
						{
							name:        "s3",
							subscribeTo: []string{"leaderboard.updated", "payout.settled"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["s1"], 2)
				assert.Len(t, out.received["s2"], 3)
				assert.Len(t, out.received["s3"], 2)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus()
			for _, s := range in.subscribers {
				s := s
				for _, e := range s.subscribeTo {
					b.Subscribe(e, func(ctx context.Context, e event.Event) error {
						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()
						return nil
					})
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

func TestBus_HandlerPanicIsIsolated(t *testing.T) {
	b := event.NewBus()

	var (
		mu       sync.Mutex
		received int
	)

	b.Subscribe("answer.graded", func(ctx context.Context, e event.Event) error {
		panic("boom")
	})
	b.Subscribe("answer.graded", func(ctx context.Context, e event.Event) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	})

	b.Publish(context.Background(), eventWithName("answer.graded"))
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, received, "the non-panicking handler should still run")
}

type eventWithName string

func (e eventWithName) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
}
