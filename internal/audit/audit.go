package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventRecordSubmitted EventType = "RECORD_SUBMITTED"
	EventDecision        EventType = "DECISION"
	EventMerge           EventType = "MERGE"
	EventClusterMerge    EventType = "CLUSTER_MERGE"
	EventSplit           EventType = "SPLIT"
	EventReviewClaimed   EventType = "REVIEW_CLAIMED"
	EventReviewResolved  EventType = "REVIEW_RESOLVED"
)

// ActorSystem marks events produced by the engine itself rather than an
// operator.
const ActorSystem = "system"

// Event is one immutable entry in the append-only audit chain. Merge and
// split events carry full before/after cluster snapshots so historical
// decisions stay reconstructible.
type Event struct {
	Timestamp  time.Time       `json:"timestamp"`
	EventType  EventType       `json:"event_type"`
	Actor      string          `json:"actor"`
	RecordID   string          `json:"record_id,omitempty"`
	ClusterRef string          `json:"cluster_ref,omitempty"`
	TargetRef  string          `json:"target_ref,omitempty"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// Sink is the append-only event destination. Implementations must never
// mutate or drop previously emitted events.
type Sink interface {
	Emit(ctx context.Context, event *Event) error
}

type service struct {
	es     *elasticsearch.Client
	logger *logrus.Logger
}

// NewService returns the Elasticsearch-backed sink used in production.
func NewService(esClient *elasticsearch.Client, logger *logrus.Logger) Sink {
	return &service{
		es:     esClient,
		logger: logger,
	}
}

func (s *service) Emit(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	index := "mpi_audit_" + time.Now().Format("2006.01")
	_, err = s.es.Index(
		index,
		strings.NewReader(string(payload)),
		s.es.Index.WithContext(ctx),
	)
	if err != nil {
		s.logger.WithError(err).Error("Failed to index audit event")
		return err
	}

	// Also log to the system logger for redundancy.
	s.logger.WithFields(logrus.Fields{
		"event_type":  event.EventType,
		"actor":       event.Actor,
		"record_id":   event.RecordID,
		"cluster_ref": event.ClusterRef,
		"target_ref":  event.TargetRef,
	}).Info("Audit event logged")

	return nil
}

// Memory keeps emitted events in order. Used in tests and as a fallback when
// no Elasticsearch cluster is configured.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Emit(_ context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

// Events returns a copy of everything emitted so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType filters emitted events by type.
func (m *Memory) ByType(t EventType) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}
