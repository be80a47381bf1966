// Package analytics builds the event tracker upload reporting flows
// through. Shared properties identify the session, never the uploaded
// content.
package analytics

import (
	"runtime"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// Version is the engine version reported with every event.
const Version = "0.9.0"

// ClientAppEnvKey names the environment variable carrying the embedding
// application's identifier. When unset, no client_app property is sent.
const ClientAppEnvKey = "UPLOADKIT_CLIENT_APP"

// TrackerFactory builds the backing event tracker with the given shared
// properties.
type TrackerFactory func(logger log.Logger, shared ...analytics.Properties) analytics.Tracker

// NewUploadTracker returns an event tracker preloaded with session-scoped
// shared properties: a fresh session ID, the engine version and the client
// platform.
func NewUploadTracker(envRepo env.Repository, logger log.Logger, trackerFactory TrackerFactory) analytics.Tracker {
	shared := analytics.Properties{
		"session_id":  uuid.NewString(),
		"sdk_version": Version,
		"client_os":   runtime.GOOS,
	}
	if app := envRepo.Get(ClientAppEnvKey); app != "" {
		shared["client_app"] = app
	}
	return trackerFactory(logger, shared)
}

// NewDefaultUploadTracker is NewUploadTracker wired to the default backend.
func NewDefaultUploadTracker(envRepo env.Repository, logger log.Logger) analytics.Tracker {
	return NewUploadTracker(envRepo, logger, analytics.NewDefaultTracker)
}
