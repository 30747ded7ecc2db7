package telemetry

import (
	"context"
	"fmt"
	"testing"

	"github.com/exo-hmi/hmi/internal/config"
)

func BenchmarkPublishWithAttachedClients(b *testing.B) {
	for _, count := range []int{1, 5, 10} {
		b.Run(fmt.Sprintf("Clients_%d", count), func(b *testing.B) {
			hub := NewHub(config.LoadTimingBaseline())
			defer hub.Stop()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			for i := 0; i < count; i++ {
				c := hub.Attach(ctx, "")
				go func() {
					for range c.Events {
					}
				}()
				defer hub.Detach(c)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = hub.PublishDevice("exo-01", Event{
					Type: EventTelemetry,
					Data: map[string]interface{}{
						"positions": []float64{1, 2, 3},
						"torques":   []float64{4, 5, 6},
					},
				})
			}
		})
	}
}

func BenchmarkEventBufferAdd(b *testing.B) {
	buffer := NewEventBuffer(250, 0)
	for i := 0; i < b.N; i++ {
		buffer.AddEvent(Event{Type: EventTelemetry})
	}
}
