// Package mocks provides testify mocks of the backends interfaces for
// use in quest and job tests.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	apipb "go.chromium.org/luci/swarming/proto/api_v2"

	"go.chromeperf.org/pinpoint/go/backends"
)

// RevisionClient mocks backends.RevisionClient.
type RevisionClient struct {
	mock.Mock
}

func (m *RevisionClient) CommitInfo(ctx context.Context, repoURL, gitHash string) (*backends.CommitInfo, error) {
	args := m.Called(ctx, repoURL, gitHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*backends.CommitInfo), args.Error(1)
}

func (m *RevisionClient) CommitRange(ctx context.Context, repoURL, startGitHash, endGitHash string) ([]*backends.CommitInfo, error) {
	args := m.Called(ctx, repoURL, startGitHash, endGitHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*backends.CommitInfo), args.Error(1)
}

var _ backends.RevisionClient = (*RevisionClient)(nil)

// BuildClient mocks backends.BuildClient.
type BuildClient struct {
	mock.Mock
}

func (m *BuildClient) StartBuild(ctx context.Context, builder string, properties map[string]interface{}) (*backends.Build, error) {
	args := m.Called(ctx, builder, properties)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*backends.Build), args.Error(1)
}

func (m *BuildClient) GetBuild(ctx context.Context, buildID int64) (*backends.Build, error) {
	args := m.Called(ctx, buildID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*backends.Build), args.Error(1)
}

var _ backends.BuildClient = (*BuildClient)(nil)

// SwarmingClient mocks backends.SwarmingClient.
type SwarmingClient struct {
	mock.Mock
}

func (m *SwarmingClient) NewTask(ctx context.Context, req *apipb.NewTaskRequest) (*apipb.TaskRequestMetadataResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apipb.TaskRequestMetadataResponse), args.Error(1)
}

func (m *SwarmingClient) GetResult(ctx context.Context, taskID string) (*apipb.TaskResultResponse, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apipb.TaskResultResponse), args.Error(1)
}

var _ backends.SwarmingClient = (*SwarmingClient)(nil)

// IsolateClient mocks backends.IsolateClient.
type IsolateClient struct {
	mock.Mock
}

func (m *IsolateClient) RetrieveFile(ctx context.Context, server, isolateHash, filename string) ([]byte, error) {
	args := m.Called(ctx, server, isolateHash, filename)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

var _ backends.IsolateClient = (*IsolateClient)(nil)

// IssueTracker mocks backends.IssueTracker.
type IssueTracker struct {
	mock.Mock
}

func (m *IssueTracker) AddComment(ctx context.Context, bugID int64, comment string, sendEmail bool) error {
	args := m.Called(ctx, bugID, comment, sendEmail)
	return args.Error(0)
}

var _ backends.IssueTracker = (*IssueTracker)(nil)
