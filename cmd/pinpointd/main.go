package main

import (
	"context"
	"flag"
	"net/http"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/datastore"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"go.chromeperf.org/pinpoint/go/backends"
	"go.chromeperf.org/pinpoint/go/handlers"
	"go.chromeperf.org/pinpoint/go/isolate"
	"go.chromeperf.org/pinpoint/go/job"
	"go.chromeperf.org/pinpoint/go/jobstore"
	"go.chromeperf.org/pinpoint/go/quest"
	"go.chromeperf.org/pinpoint/go/taskqueue"
)

var (
	port          = flag.String("port", ":8080", "The port to listen on for HTTP traffic.")
	baseURL       = flag.String("base_url", "https://pinpoint-dot-chromeperf.appspot.com", "The public URL of this service, used in job links and bug comments.")
	project       = flag.String("project", "chromeperf", "The GCP project holding the datastore entities and the task queue.")
	queueLocation = flag.String("queue_location", "us-central1", "The Cloud Tasks queue location.")
	queueName     = flag.String("queue", "job-queue", "The Cloud Tasks queue jobs tick on.")
	swarmingHost  = flag.String("swarming_host", backends.DefaultSwarmingHost, "The swarming server to run tests on.")
	bugProject    = flag.String("bug_project", "chromium", "The issue tracker project to post job updates to.")
)

var authScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
}

func main() {
	flag.Parse()
	ctx := context.Background()

	ts, err := google.DefaultTokenSource(ctx, authScopes...)
	if err != nil {
		logrus.Fatalf("Failed to find default credentials: %s", err)
	}
	httpClient := oauth2.NewClient(ctx, ts)

	dsClient, err := datastore.NewClient(ctx, *project, option.WithTokenSource(ts))
	if err != nil {
		logrus.Fatalf("Failed to connect to datastore: %s", err)
	}
	tasksClient, err := cloudtasks.NewClient(ctx, option.WithTokenSource(ts))
	if err != nil {
		logrus.Fatalf("Failed to connect to cloud tasks: %s", err)
	}

	deps := &quest.Deps{
		Builds:       backends.NewBuildbucketClient(httpClient),
		Swarming:     backends.NewSwarmingClient(httpClient, *swarmingHost),
		Isolates:     backends.NewIsolateServerClient(httpClient),
		IsolateCache: isolate.NewDatastoreCache(dsClient),
		BuildIndex:   isolate.NewDatastoreBuildIndex(dsClient),
	}
	service := &job.Service{
		Store:     jobstore.NewDatastoreStore(dsClient, deps),
		Queue:     taskqueue.NewCloudTasksQueue(tasksClient, *project, *queueLocation, *queueName, *baseURL),
		Issues:    backends.NewMonorailIssueTracker(httpClient, *bugProject),
		Revisions: backends.NewGitilesClient(httpClient),
		BaseURL:   *baseURL,
	}

	api := &handlers.API{Jobs: service, Deps: deps}
	router := chi.NewRouter()
	api.RegisterHandlers(router)

	logrus.Infof("http://localhost%s", *port)
	server := &http.Server{
		Addr:    *port,
		Handler: router,
	}
	logrus.Fatal(server.ListenAndServe())
}
