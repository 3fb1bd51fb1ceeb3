package backends

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.chromium.org/luci/grpc/prpc"

	apipb "go.chromium.org/luci/swarming/proto/api_v2"
	apigrpcpb "go.chromium.org/luci/swarming/proto/api_v2"
)

// DefaultSwarmingHost is the production swarming instance the test
// tasks run on.
const DefaultSwarmingHost = "chrome-swarming.appspot.com"

// SwarmingClient dispatches test tasks and reports their results.
type SwarmingClient interface {
	// NewTask dispatches a new swarming task.
	NewTask(ctx context.Context, req *apipb.NewTaskRequest) (*apipb.TaskRequestMetadataResponse, error)

	// GetResult returns the current result of a task.
	GetResult(ctx context.Context, taskID string) (*apipb.TaskResultResponse, error)
}

// SwarmingClientImpl implements SwarmingClient over the swarming v2
// prpc API.
type SwarmingClientImpl struct {
	tasks apigrpcpb.TasksClient
}

// NewSwarmingClient returns a SwarmingClient for the given
// authenticated HTTP client.
func NewSwarmingClient(c *http.Client, host string) *SwarmingClientImpl {
	if host == "" {
		host = DefaultSwarmingHost
	}
	return &SwarmingClientImpl{
		tasks: apigrpcpb.NewTasksClient(&prpc.Client{
			C:    c,
			Host: host,
			Options: &prpc.Options{
				// The swarming server has an internal 60 second
				// deadline for responding to requests.
				PerRPCTimeout: 90 * time.Second,
			},
		}),
	}
}

// NewSwarmingClientForTesting lets tests inject a TasksClient.
func NewSwarmingClientForTesting(tc apigrpcpb.TasksClient) *SwarmingClientImpl {
	return &SwarmingClientImpl{tasks: tc}
}

// NewTask implements SwarmingClient.
func (s *SwarmingClientImpl) NewTask(ctx context.Context, req *apipb.NewTaskRequest) (*apipb.TaskRequestMetadataResponse, error) {
	resp, err := s.tasks.NewTask(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "dispatching swarming task")
	}
	return resp, nil
}

// GetResult implements SwarmingClient.
func (s *SwarmingClientImpl) GetResult(ctx context.Context, taskID string) (*apipb.TaskResultResponse, error) {
	resp, err := s.tasks.GetResult(ctx, &apipb.TaskIdWithPerfRequest{
		TaskId:                  taskID,
		IncludePerformanceStats: false,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "fetching result of task %s", taskID)
	}
	return resp, nil
}

var _ SwarmingClient = (*SwarmingClientImpl)(nil)
