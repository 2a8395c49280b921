// Package events emits session milestone notifications to EventBridge so
// downstream consumers (inventory dashboards, alerting) can react without
// polling the session table. Emission is best-effort: a milestone that fails
// to publish is logged and dropped, never failing the session.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"

	"github.com/groweye/plantcount/internal/model"
)

// Source is the EventBridge event source for all pipeline milestones.
const Source = "plantcount.pipeline"

// Milestone detail types.
const (
	TypeSegmented       = "session.segmented"
	TypeSubTaskFinished = "session.subtask.finished"
	TypeCompleted       = "session.completed"
)

// Milestone is the event detail payload. Fields beyond SessionID are
// populated per detail type.
type Milestone struct {
	SessionID      string              `json:"sessionId"`
	SlotID         string              `json:"slotId,omitempty"`
	Status         model.SessionStatus `json:"status,omitempty"`
	Containers     int                 `json:"containers,omitempty"`
	ContainerID    string              `json:"containerId,omitempty"`
	SubTaskState   model.SubTaskState  `json:"subTaskState,omitempty"`
	DetectedCount  int                 `json:"detectedCount,omitempty"`
	EstimatedCount int                 `json:"estimatedCount,omitempty"`
	Confidence     float64             `json:"confidence,omitempty"`
}

// Emitter publishes session milestones.
type Emitter interface {
	Emit(ctx context.Context, detailType string, m Milestone)
}

// eventBridgeAPI is the client subset used. *eventbridge.Client satisfies it.
type eventBridgeAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// BridgeEmitter publishes milestones to an EventBridge bus.
type BridgeEmitter struct {
	client  eventBridgeAPI
	busName string
}

var _ Emitter = (*BridgeEmitter)(nil)

// NewBridgeEmitter creates an emitter targeting busName. An empty busName
// selects the account default bus.
func NewBridgeEmitter(client *eventbridge.Client, busName string) *BridgeEmitter {
	return &BridgeEmitter{client: client, busName: busName}
}

// Emit publishes one milestone. Failures are logged, not returned: milestones
// are advisory and must never fail or retry the pipeline work they describe.
func (e *BridgeEmitter) Emit(ctx context.Context, detailType string, m Milestone) {
	detail, err := json.Marshal(m)
	if err != nil {
		log.Error().Err(err).Str("detailType", detailType).Msg("Marshal milestone failed")
		return
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(Source),
		DetailType: aws.String(detailType),
		Detail:     aws.String(string(detail)),
	}
	if e.busName != "" {
		entry.EventBusName = &e.busName
	}

	result, err := e.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).
			Str("sessionId", m.SessionID).
			Str("detailType", detailType).
			Msg("EventBridge PutEvents failed")
		return
	}
	if result.FailedEntryCount > 0 {
		for i, en := range result.Entries {
			if en.ErrorCode != nil || en.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(en.ErrorCode)).
					Str("errorMessage", aws.ToString(en.ErrorMessage)).
					Str("sessionId", m.SessionID).
					Str("detailType", detailType).
					Msg("EventBridge PutEvents entry failed")
			}
		}
		return
	}

	log.Debug().
		Str("sessionId", m.SessionID).
		Str("detailType", detailType).
		Msg("Milestone emitted")
}

// NopEmitter discards milestones. Used by the local CLI and tests.
type NopEmitter struct{}

var _ Emitter = NopEmitter{}

func (NopEmitter) Emit(context.Context, string, Milestone) {}

// String renders a milestone for CLI output.
func (m Milestone) String() string {
	return fmt.Sprintf("session=%s status=%s detected=%d estimated=%d",
		m.SessionID, m.Status, m.DetectedCount, m.EstimatedCount)
}
