package connect

import (
	"context"
	"time"

	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// Controller is the connector control surface the reconciler and orchestrator drive.
// *Client implements it against Kafka Connect.
type Controller interface {
	CreateConnector(ctx context.Context, name string, cfg map[string]string) error
	// GetStatus returns nil, nil when the connector does not exist
	GetStatus(ctx context.Context, name string) (*ConnectorStatus, error)
	GetConfig(ctx context.Context, name string) (map[string]string, error)
	DeleteConnector(ctx context.Context, name string) error
	RestartConnector(ctx context.Context, name string) error
	PauseConnector(ctx context.Context, name string) error
	ResumeConnector(ctx context.Context, name string) error
	StopConnector(ctx context.Context, name string) error
	WaitForState(ctx context.Context, name string, target models.ConnectorState, timeout, poll time.Duration) (bool, error)
	GetTopics(ctx context.Context, name string) ([]string, error)
}

var _ Controller = (*Client)(nil)

// NewStatus builds a status document. Fakes and tests use it to report states.
func NewStatus(name string, state models.ConnectorState, taskStates ...models.ConnectorState) *ConnectorStatus {
	st := &ConnectorStatus{Name: name}
	st.Connector.State = string(state)
	for i, ts := range taskStates {
		st.Tasks = append(st.Tasks, TaskStatus{ID: i, State: string(ts)})
	}
	return st
}
