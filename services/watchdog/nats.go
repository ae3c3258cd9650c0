package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"updatehub/pkg/bus"
)

const (
	registerSubject = "updatehub.watchdog.register"
	anomalySubject  = "updatehub.watchdog.anomaly"
)

// anomalyEvent is the wire shape of an inbound anomaly signal.
type anomalyEvent struct {
	UpdateID uuid.UUID      `json:"update_id"`
	Evidence map[string]any `json:"evidence"`
}

// Bridge connects the pipeline to a watchdog running behind the bus:
// registrations are published, anomaly signals are consumed and forwarded to
// the handler.
type Bridge struct {
	bus     *bus.Bus
	handler AnomalyHandler

	subMu sync.Mutex
	sub   io.Closer
}

// NewBridge creates a Bridge for the provided bus and anomaly handler.
func NewBridge(b *bus.Bus, handler AnomalyHandler) (*Bridge, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if handler == nil {
		return nil, errors.New("anomaly handler is required")
	}
	return &Bridge{bus: b, handler: handler}, nil
}

// Register publishes the registration to the watchdog's topic.
func (w *Bridge) Register(ctx context.Context, reg Registration) error {
	if w == nil {
		return errors.New("nil watchdog bridge")
	}
	_, err := w.bus.Publish(ctx, registerSubject, reg)
	return err
}

// Start subscribes to anomaly signals and forwards them until ctx is
// cancelled.
func (w *Bridge) Start(ctx context.Context) error {
	if w == nil {
		return errors.New("nil watchdog bridge")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	sub, err := w.bus.Subscribe(ctx, anomalySubject, "pipeline-anomalies", func(msgCtx context.Context, data []byte) error {
		// A malformed event can never become parseable; erroring here would
		// have the bus redeliver it forever. Only handler errors, which are
		// transient by contract, leave the message unacked.
		var evt anomalyEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil
		}
		if evt.UpdateID == uuid.Nil {
			return nil
		}
		return w.handler(msgCtx, evt.UpdateID, evt.Evidence)
	})
	if err != nil {
		return err
	}

	w.subMu.Lock()
	w.sub = sub
	w.subMu.Unlock()
	return nil
}

// Close stops the anomaly subscription if it was created.
func (w *Bridge) Close() error {
	if w == nil {
		return nil
	}

	w.subMu.Lock()
	defer w.subMu.Unlock()

	if w.sub == nil {
		return nil
	}
	err := w.sub.Close()
	w.sub = nil
	return err
}
