package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// SnapshotsWrittenData contains data for SnapshotsWritten events
type SnapshotsWrittenData struct {
	Symbols    int `json:"symbols"`
	Written    int `json:"written"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// EventType returns the event type for SnapshotsWrittenData
func (d *SnapshotsWrittenData) EventType() EventType {
	return SnapshotsWritten
}

// OutcomesResolvedData contains data for OutcomesResolved events
type OutcomesResolvedData struct {
	Processed int `json:"processed"`
	Wins      int `json:"wins"`
	Losses    int `json:"losses"`
	Draws     int `json:"draws"`
	Skipped   int `json:"skipped"`
}

// EventType returns the event type for OutcomesResolvedData
func (d *OutcomesResolvedData) EventType() EventType {
	return OutcomesResolved
}

// StatsRefreshedData contains data for StatsRefreshed events
type StatsRefreshedData struct {
	Cohorts int `json:"cohorts"`
}

// EventType returns the event type for StatsRefreshedData
func (d *StatsRefreshedData) EventType() EventType {
	return StatsRefreshed
}

// DriftDetectedData contains data for DriftDetected events
type DriftDetectedData struct {
	Symbol     string  `json:"symbol"`
	Severity   string  `json:"severity"`
	Confidence string  `json:"confidence"`
	HitRatePP  float64 `json:"hit_rate_pp"`
}

// EventType returns the event type for DriftDetectedData
func (d *DriftDetectedData) EventType() EventType {
	return DriftDetected
}

// HealthDroppedData contains data for HealthDropped events
type HealthDroppedData struct {
	Symbol  string  `json:"symbol"`
	State   string  `json:"state"`
	WinRate float64 `json:"win_rate"`
	Samples int     `json:"samples"`
}

// EventType returns the event type for HealthDroppedData
func (d *HealthDroppedData) EventType() EventType {
	return HealthDropped
}

// TailSpikedData contains data for TailSpiked events
type TailSpikedData struct {
	Symbol  string  `json:"symbol"`
	MCP95DD float64 `json:"mc_p95_dd"`
}

// EventType returns the event type for TailSpikedData
func (d *TailSpikedData) EventType() EventType {
	return TailSpiked
}

// GovernanceChangedData contains data for GovernanceChanged, CrisisEntered,
// and CrisisExited events. The variant is derived from the destination mode.
type GovernanceChangedData struct {
	Symbol   string `json:"symbol"`
	FromMode string `json:"from_mode"`
	ToMode   string `json:"to_mode"`
	Reason   string `json:"reason"`
	Actor    string `json:"actor"`
}

// EventType returns the event type for GovernanceChangedData
func (d *GovernanceChangedData) EventType() EventType {
	switch {
	case d.ToMode == "HALT":
		return CrisisEntered
	case d.FromMode == "HALT":
		return CrisisExited
	default:
		return GovernanceChanged
	}
}

// AlertRaisedData contains data for AlertRaised events
type AlertRaisedData struct {
	Symbol  string `json:"symbol"`
	Type    string `json:"alert_type"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// EventType returns the event type for AlertRaisedData
func (d *AlertRaisedData) EventType() EventType {
	return AlertRaised
}

// PipelineFinishedData contains data for PipelineFinished events
type PipelineFinishedData struct {
	RunID      string  `json:"run_id"`
	Status     string  `json:"status"`
	Steps      int     `json:"steps"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	DurationMs float64 `json:"duration_ms"`
}

// EventType returns the event type for PipelineFinishedData
func (d *PipelineFinishedData) EventType() EventType {
	return PipelineFinished
}

// JobStatusData contains data for job lifecycle events
type JobStatusData struct {
	JobID     string    `json:"job_id"`
	RunID     string    `json:"run_id,omitempty"`
	Status    string    `json:"status"` // "started", "completed", "failed"
	Trigger   string    `json:"trigger,omitempty"`
	Error     string    `json:"error,omitempty"`
	Duration  float64   `json:"duration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType returns the event type for JobStatusData
// Note: The actual event type is determined by the Status field
func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	default:
		return JobStarted
	}
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// EventWithData represents an event with typed data
type EventWithData struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for EventWithData
func (e *EventWithData) MarshalJSON() ([]byte, error) {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for EventWithData
func (e *EventWithData) UnmarshalJSON(data []byte) error {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.Data) > 0 {
		var eventData EventData
		switch aux.Type {
		case SnapshotsWritten:
			eventData = &SnapshotsWrittenData{}
		case OutcomesResolved:
			eventData = &OutcomesResolvedData{}
		case StatsRefreshed:
			eventData = &StatsRefreshedData{}
		case DriftDetected:
			eventData = &DriftDetectedData{}
		case HealthDropped:
			eventData = &HealthDroppedData{}
		case TailSpiked:
			eventData = &TailSpikedData{}
		case GovernanceChanged, CrisisEntered, CrisisExited:
			eventData = &GovernanceChangedData{}
		case AlertRaised:
			eventData = &AlertRaisedData{}
		case PipelineFinished:
			eventData = &PipelineFinishedData{}
		case JobStarted, JobCompleted, JobFailed:
			eventData = &JobStatusData{}
		case ErrorOccurred:
			eventData = &ErrorEventData{}
		default:
			var rawData map[string]interface{}
			if err := json.Unmarshal(aux.Data, &rawData); err != nil {
				return err
			}
			eventData = &GenericEventData{Type: aux.Type, Data: rawData}
		}

		if err := json.Unmarshal(aux.Data, eventData); err != nil {
			return err
		}
		e.Data = eventData
	}

	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
