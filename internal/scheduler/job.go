// Package scheduler implements the Scheduler / Reconciler: it maintains
// the live set of StreamJobs so that it always equals the set implied
// by the latest policy snapshot for this node.
package scheduler

import (
	"context"
)

// JobKey identifies one StreamJob: "<peer id>:<topic>".
type JobKey struct {
	PeerID string
	Topic  string
}

func (k JobKey) String() string { return k.PeerID + ":" + k.Topic }

// JobParams are the comparable-by-value parameters of a StreamJob. Two
// jobs with the same JobKey but differing JobParams trigger a
// delete-and-recreate on reload.
type JobParams struct {
	Schedule      string // cron-like expression
	RetryCount    int
	PeerEndpoint  string
	Audience      string
	RunOnRegister bool
}

// Runner performs one execution of a job's body: connect to the peer,
// run the stream to completion or failure, and return. Runner must
// respect ctx cancellation.
type Runner func(ctx context.Context, key JobKey, params JobParams) error
