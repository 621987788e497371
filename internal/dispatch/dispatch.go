// Package dispatch defines the outbound call contract used by the delivery
// worker and the quiz-generation client.
package dispatch

import (
	"context"

	"EnrollDispatch/internal/models"
)

// Dispatcher performs the external call for one job kind. Failures must be
// classified with the dispatcherr constructors; unclassified errors are
// treated as transient.
type Dispatcher interface {
	Kind() models.JobKind
	NeedsCredential() bool
	Dispatch(ctx context.Context, cred *models.Credential, job models.Job, def *models.CampaignDefinition) error
}

type Registry map[models.JobKind]Dispatcher

func NewRegistry(ds ...Dispatcher) Registry {
	r := make(Registry, len(ds))
	for _, d := range ds {
		r[d.Kind()] = d
	}
	return r
}

func (r Registry) Lookup(kind models.JobKind) (Dispatcher, bool) {
	d, ok := r[kind]
	return d, ok
}
