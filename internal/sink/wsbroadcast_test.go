package sink

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/quantumcastro/marketstream/internal/model"
	"github.com/quantumcastro/marketstream/internal/telemetry"
)

func TestPublishEnvelopesEventAndPayload(t *testing.T) {
	b := NewWSBroadcaster(zap.NewNop(), telemetry.New())
	b.PublishCandleUpdate(model.Candle{T: 0, O: 1, H: 2, L: 0, C: 1.5, V: 3})

	select {
	case data := <-b.broadcastCh:
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Event != "candle_update" {
			t.Errorf("envelope.Event = %q, want candle_update", env.Event)
		}
	default:
		t.Fatal("expected one message on broadcastCh")
	}
}

func TestPublishDropsAndCountsWhenChannelFull(t *testing.T) {
	tel := telemetry.New()
	b := NewWSBroadcaster(zap.NewNop(), tel)

	// Fill the channel to capacity without a Run loop draining it.
	for i := 0; i < cap(b.broadcastCh); i++ {
		b.PublishCandleUpdate(model.Candle{})
	}
	b.PublishCandleUpdate(model.Candle{}) // one more must be dropped

	if tel.FramesDropped() != 1 {
		t.Errorf("FramesDropped() = %d, want 1", tel.FramesDropped())
	}
}

func TestPublishToleratesNilTelemetry(t *testing.T) {
	b := NewWSBroadcaster(zap.NewNop(), nil)
	for i := 0; i < cap(b.broadcastCh)+1; i++ {
		b.PublishCandleUpdate(model.Candle{}) // must not panic even once the channel fills
	}
}
