package models

import (
	"encoding/json"
	"fmt"
)

// Queue names, one per pipeline stage.
const (
	QueueIngest      = "ingest"
	QueueTrigger     = "trigger-processing"
	QueueDetectStay  = "detect-stay"
	QueueMergeVisit  = "merge-visit"
	QueueDetectTrip  = "detect-trip"
	QueueGeocode     = "geocode"
)

// PipelineEvent is the closed set of messages flowing between pipeline
// stages. Routing is an exhaustive type switch in the dispatcher, not
// reflection.
type PipelineEvent interface {
	EventType() string
	Queue() string
}

// LocationDataReceived carries an accepted ingestion batch to the ingest
// stage.
type LocationDataReceived struct {
	Username string          `json:"username"`
	Points   []LocationPoint `json:"points"`
}

// TriggerProcessing starts pipeline processing for a user's unprocessed
// points. A non-empty PreviewID routes every downstream stage to the
// preview-scoped tables.
type TriggerProcessing struct {
	Username  string `json:"username"`
	PreviewID string `json:"previewId,omitempty"`
}

// DetectStay asks the stay detector to cluster the user's points between
// Earliest and Latest (Unix timestamps).
type DetectStay struct {
	Username  string `json:"username"`
	Earliest  int64  `json:"earliest"`
	Latest    int64  `json:"latest"`
	PreviewID string `json:"previewId,omitempty"`
}

// MergeVisits asks the merger to consolidate visits inside a time window.
// Zero Start/End means the full history.
type MergeVisits struct {
	Username  string `json:"username"`
	Start     int64  `json:"start,omitempty"`
	End       int64  `json:"end,omitempty"`
	PreviewID string `json:"previewId,omitempty"`
}

// DetectTrips asks the trip detector to bridge processed visits inside a
// time window.
type DetectTrips struct {
	Username  string `json:"username"`
	Start     int64  `json:"start,omitempty"`
	End       int64  `json:"end,omitempty"`
	PreviewID string `json:"previewId,omitempty"`
}

// PlaceCreated is emitted when a new significant place appears and needs
// reverse geocoding.
type PlaceCreated struct {
	PlaceID   int64   `json:"placeId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (LocationDataReceived) EventType() string { return "location-data-received" }
func (TriggerProcessing) EventType() string    { return "trigger-processing" }
func (DetectStay) EventType() string           { return "detect-stay" }
func (MergeVisits) EventType() string          { return "merge-visits" }
func (DetectTrips) EventType() string          { return "detect-trips" }
func (PlaceCreated) EventType() string         { return "place-created" }

func (LocationDataReceived) Queue() string { return QueueIngest }
func (TriggerProcessing) Queue() string    { return QueueTrigger }
func (DetectStay) Queue() string           { return QueueDetectStay }
func (MergeVisits) Queue() string          { return QueueMergeVisit }
func (DetectTrips) Queue() string          { return QueueDetectTrip }
func (PlaceCreated) Queue() string         { return QueueGeocode }

// EventEnvelope is the wire form of a PipelineEvent in the durable queue.
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeEvent wraps an event into its envelope JSON.
func EncodeEvent(e PipelineEvent) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return json.Marshal(EventEnvelope{Type: e.EventType(), Data: data})
}

// DecodeEvent restores an event from its envelope JSON. Unknown types are an
// error so poison messages surface instead of being dropped silently.
func DecodeEvent(raw []byte) (PipelineEvent, error) {
	var env EventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}

	var (
		e   PipelineEvent
		err error
	)
	switch env.Type {
	case "location-data-received":
		var ev LocationDataReceived
		err = json.Unmarshal(env.Data, &ev)
		e = ev
	case "trigger-processing":
		var ev TriggerProcessing
		err = json.Unmarshal(env.Data, &ev)
		e = ev
	case "detect-stay":
		var ev DetectStay
		err = json.Unmarshal(env.Data, &ev)
		e = ev
	case "merge-visits":
		var ev MergeVisits
		err = json.Unmarshal(env.Data, &ev)
		e = ev
	case "detect-trips":
		var ev DetectTrips
		err = json.Unmarshal(env.Data, &ev)
		e = ev
	case "place-created":
		var ev PlaceCreated
		err = json.Unmarshal(env.Data, &ev)
		e = ev
	default:
		return nil, fmt.Errorf("unknown event type: %s", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", env.Type, err)
	}
	return e, nil
}
