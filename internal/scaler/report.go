package scaler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kinesis-scaling-controller/ksc/internal/shard"
)

// Direction is the sense of a scaling action.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
	DirectionNone Direction = "NONE"
)

// CompletionStatus tags the terminal outcome of a scaling request.
type CompletionStatus string

const (
	StatusReportOnly       CompletionStatus = "ReportOnly"
	StatusNoActionRequired CompletionStatus = "NoActionRequired"
	StatusAlreadyAtMinimum CompletionStatus = "AlreadyAtMinimum"
	StatusAlreadyAtMaximum CompletionStatus = "AlreadyAtMaximum"
	StatusError            CompletionStatus = "Error"
	StatusOk               CompletionStatus = "Ok"
)

// Report is the transfer object for the outcome of a scaling operation:
// what was decided, how many provider mutations it took, and the resulting
// open shard layout.
type Report struct {
	ActionID       string           `json:"actionId"`
	StreamName     string           `json:"streamName"`
	EndStatus      CompletionStatus `json:"endStatus"`
	Direction      Direction        `json:"scaleDirection"`
	OperationsMade int              `json:"operationsMade"`
	Layout         []shard.Info     `json:"layout"`
}

// AsJSON renders the report in the structured form sent to notification
// targets that accept it.
func (r *Report) AsJSON() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshalling scaling report: %w", err)
	}
	return string(b), nil
}

// String renders a reader friendly report of the shard topology.
func (r *Report) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Scaling Direction: %s\n", r.Direction))
	for _, info := range r.Layout {
		sb.WriteString(info.String())
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
