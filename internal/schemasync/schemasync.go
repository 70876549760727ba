// Package schemasync keeps the schema caches of several instances that
// share one metadata store in step.
//
// After a metadata command commits locally, the instance announces the new
// resource version on the sync topic. Peers receiving an announcement from
// another instance reload metadata from the store inside their own cache
// update section. Reloaded caches are tagged OriginSync and are never
// re-announced, so announcements do not loop.
package schemasync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/graygate/internal/infrastructure/logging"
	"github.com/nerrad567/graygate/internal/infrastructure/mqtt"
	"github.com/nerrad567/graygate/internal/metadata"
)

// Message is the sync topic payload.
type Message struct {
	InstanceID      string `json:"instance_id"`
	ResourceVersion int64  `json:"resource_version"`
}

// Broker is the subset of the MQTT client the syncer needs.
type Broker interface {
	PublishJSON(topic string, v any, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Reloader reloads metadata from the shared store.
type Reloader interface {
	Reload(ctx context.Context, origin metadata.Origin) (bool, error)
}

// Syncer publishes local commits and reloads on peer announcements.
type Syncer struct {
	broker     Broker
	topic      string
	qos        byte
	instanceID string
	reloader   Reloader
	log        *logging.Logger

	// outbound holds the newest unpublished resource version.
	outbound chan int64
	// reload is signalled, coalesced, when a peer announces a change.
	reload chan struct{}
}

// New creates a Syncer for the given topic. Records are tagged with
// logging.TypeSchemaSync and the instance id, so log should be untagged.
func New(broker Broker, topic string, qos byte, instanceID string, reloader Reloader, log *logging.Logger) *Syncer {
	return &Syncer{
		broker:     broker,
		topic:      topic,
		qos:        qos,
		instanceID: instanceID,
		reloader:   reloader,
		log:        log.ForType(logging.TypeSchemaSync).With("instance_id", instanceID),
		outbound:   make(chan int64, 1),
		reload:     make(chan struct{}, 1),
	}
}

// Attach registers the commit listener on cell. The listener never blocks:
// when an announcement is still queued it is replaced by the newer one.
func (s *Syncer) Attach(cell *metadata.Cell) {
	cell.OnCommit(func(snap metadata.Snapshot) {
		if snap.Value == nil || snap.Value.Origin != metadata.OriginLocal {
			return
		}
		s.enqueue(snap.Value.ResourceVersion)
	})
}

func (s *Syncer) enqueue(version int64) {
	for {
		select {
		case s.outbound <- version:
			return
		default:
		}
		select {
		case <-s.outbound:
		default:
		}
	}
}

// Publish announces version to the other instances.
func (s *Syncer) Publish(version int64) error {
	return s.broker.PublishJSON(s.topic, Message{InstanceID: s.instanceID, ResourceVersion: version}, false)
}

// Subscribe starts listening for peer announcements.
func (s *Syncer) Subscribe() error {
	return s.broker.Subscribe(s.topic, s.qos, s.handle)
}

func (s *Syncer) handle(_ string, payload []byte) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding schema sync message: %w", err)
	}
	if msg.InstanceID == s.instanceID {
		return nil
	}
	s.log.Debug("peer metadata change", "peer", msg.InstanceID, "resource_version", msg.ResourceVersion)
	select {
	case s.reload <- struct{}{}:
	default:
	}
	return nil
}

// Run subscribes and then publishes local commits and performs peer
// reloads until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	if err := s.Subscribe(); err != nil {
		return err
	}
	s.log.Info("schema sync started", "topic", s.topic)

	for {
		select {
		case <-ctx.Done():
			return nil

		case v := <-s.outbound:
			if err := s.Publish(v); err != nil {
				s.log.Warn("announcing metadata change failed", "resource_version", v, "error", err)
			}

		case <-s.reload:
			changed, err := s.reloader.Reload(ctx, metadata.OriginSync)
			switch {
			case err != nil:
				s.log.Error("reloading metadata after peer change failed", "error", err)
			case changed:
				s.log.Info("schema cache reloaded after peer change")
			}
		}
	}
}
