package backends

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.chromium.org/luci/grpc/prpc"
	"google.golang.org/protobuf/types/known/structpb"

	buildbucketpb "go.chromium.org/luci/buildbucket/proto"
)

const (
	// DefaultBuildbucketHost is the production buildbucket instance.
	DefaultBuildbucketHost = "cr-buildbucket.appspot.com"
	// DefaultBuildProject and DefaultBuildBucket name the builder pool
	// the bisection builders live in.
	DefaultBuildProject = "chrome"
	DefaultBuildBucket  = "try"
)

// Build is the subset of a buildbucket build the engine cares about.
type Build struct {
	ID     int64
	Status buildbucketpb.Status
	URL    string
}

// Completed reports whether the build reached a terminal state.
func (b *Build) Completed() bool {
	return b.Status&buildbucketpb.Status_ENDED_MASK != 0
}

// BuildClient dispatches builds and reports their status.
type BuildClient interface {
	// StartBuild schedules a build on the named builder with the given
	// input properties and returns its id.
	StartBuild(ctx context.Context, builder string, properties map[string]interface{}) (*Build, error)

	// GetBuild returns the current state of a previously started build.
	GetBuild(ctx context.Context, buildID int64) (*Build, error)
}

// BuildbucketClient implements BuildClient against buildbucket v2.
type BuildbucketClient struct {
	builds  buildbucketpb.BuildsClient
	host    string
	project string
	bucket  string
}

// NewBuildbucketClient returns a BuildClient for the given
// authenticated HTTP client.
func NewBuildbucketClient(c *http.Client) *BuildbucketClient {
	return NewBuildbucketClientForTesting(buildbucketpb.NewBuildsPRPCClient(&prpc.Client{
		C:    c,
		Host: DefaultBuildbucketHost,
	}))
}

// NewBuildbucketClientForTesting lets tests inject a BuildsClient.
func NewBuildbucketClientForTesting(bc buildbucketpb.BuildsClient) *BuildbucketClient {
	return &BuildbucketClient{
		builds:  bc,
		host:    DefaultBuildbucketHost,
		project: DefaultBuildProject,
		bucket:  DefaultBuildBucket,
	}
}

// StartBuild implements BuildClient.
func (b *BuildbucketClient) StartBuild(ctx context.Context, builder string, properties map[string]interface{}) (*Build, error) {
	props, err := structpb.NewStruct(properties)
	if err != nil {
		return nil, errors.Wrap(err, "converting build properties")
	}
	req := &buildbucketpb.ScheduleBuildRequest{
		RequestId: uuid.New().String(),
		Builder: &buildbucketpb.BuilderID{
			Project: b.project,
			Bucket:  b.bucket,
			Builder: builder,
		},
		Properties: props,
	}
	build, err := b.builds.ScheduleBuild(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "scheduling build on %s", builder)
	}
	return b.toBuild(build), nil
}

// GetBuild implements BuildClient.
func (b *BuildbucketClient) GetBuild(ctx context.Context, buildID int64) (*Build, error) {
	build, err := b.builds.GetBuild(ctx, &buildbucketpb.GetBuildRequest{Id: buildID})
	if err != nil {
		return nil, errors.Wrapf(err, "fetching build %d", buildID)
	}
	return b.toBuild(build), nil
}

func (b *BuildbucketClient) toBuild(build *buildbucketpb.Build) *Build {
	return &Build{
		ID:     build.GetId(),
		Status: build.GetStatus(),
		URL:    fmt.Sprintf("https://%s/build/%d", b.host, build.GetId()),
	}
}

var _ BuildClient = (*BuildbucketClient)(nil)
