// Package delivery writes a projected field set to the external store and
// works out, field by field, what the store kept.
//
// A delivery starts with one bulk write under canonical ids. Fields the
// store refuses structurally are retried one at a time under each of their
// aliases, in declared order, until one is accepted or the aliases run out.
// When the store refuses a request without saying which field was at fault,
// the field set is split in half until the offending fields are isolated.
//
// Each outcome's Field.Refused records how many ids the store refused. A
// field redelivered after a transient failure resumes with the next alias
// instead of starting again from its canonical id.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/okian/intake/internal/adapters/external"
	"github.com/okian/intake/internal/domain/model"
	"github.com/okian/intake/internal/domain/projection"
	"github.com/okian/intake/pkg/metrics"
)

// Outcome is the state of one field after a delivery.
type Outcome struct {
	Field projection.PendingField
	// AcceptedID is the id the store accepted; empty unless Status is accepted.
	AcceptedID string
	Status     model.FieldStatus
	// Attempts counts the write calls that carried this field.
	Attempts  int
	LastError string
}

// AliasUsed reports whether the field landed under a non-canonical id.
func (o Outcome) AliasUsed() bool {
	return o.Status == model.FieldAccepted && o.AcceptedID != o.Field.ExternalID
}

// Result holds one Outcome per pending field, in pending order.
type Result struct {
	Outcomes []Outcome
}

// Complete reports whether every field was accepted.
func (r Result) Complete() bool {
	for _, o := range r.Outcomes {
		if o.Status != model.FieldAccepted {
			return false
		}
	}
	return true
}

// Rejected returns the outcomes whose fields the store refused for good.
func (r Result) Rejected() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status.Rejected() {
			out = append(out, o)
		}
	}
	return out
}

// Deliverer sends projected fields to an external store.
type Deliverer struct {
	store external.Store
}

// New returns a Deliverer writing to store.
func New(store external.Store) *Deliverer {
	return &Deliverer{store: store}
}

// Deliver writes pending under key. On a transient or permanent store error
// the returned Result still describes every field: fields already accepted
// keep that status and the rest are marked failedTransient.
func (d *Deliverer) Deliver(ctx context.Context, key string, pending []projection.PendingField) (Result, error) {
	r := &run{
		store:    d.store,
		key:      key,
		outcomes: make([]Outcome, len(pending)),
		reasons:  make(map[int]external.Rejection),
	}
	all := make([]int, 0, len(pending))
	for i, p := range pending {
		r.outcomes[i] = Outcome{Field: p, Status: model.FieldPending}
		if p.Refused > 0 {
			r.reasons[i] = external.Rejection{
				Field:   p.ExternalID,
				Reason:  external.ReasonUnknownField,
				Message: "refused by an earlier delivery",
			}
			continue
		}
		all = append(all, i)
	}

	err := r.send(ctx, all)
	if err == nil {
		err = r.fallback(ctx)
	}
	if err != nil {
		r.failUndecided(err)
		return Result{Outcomes: r.outcomes}, err
	}
	return Result{Outcomes: r.outcomes}, nil
}

type run struct {
	store    external.Store
	key      string
	outcomes []Outcome
	// fields refused under their canonical id, waiting for alias retries
	reasons map[int]external.Rejection
}

func (r *run) write(ctx context.Context, set []int, id func(int) string) (external.WriteResult, error) {
	fields := make(map[string]any, len(set))
	for _, i := range set {
		fields[id(i)] = r.outcomes[i].Field.Value
		r.outcomes[i].Attempts++
	}
	res, err := r.store.Write(ctx, r.key, fields)
	if err != nil {
		return res, fmt.Errorf("write %d fields: %w", len(set), err)
	}
	return res, nil
}

func (r *run) canonical(i int) string { return r.outcomes[i].Field.ExternalID }

// send delivers set under canonical ids until every field is either
// accepted or queued for alias retry.
func (r *run) send(ctx context.Context, set []int) error {
	for len(set) > 0 {
		res, err := r.write(ctx, set, r.canonical)
		if errors.Is(err, external.ErrRequestRejected) {
			return r.bisect(ctx, set, err.Error())
		}
		if err != nil {
			return err
		}

		var leftover []int
		progressed := false
		for _, i := range set {
			id := r.canonical(i)
			if res.IsAccepted(id) {
				r.accept(i, id)
				progressed = true
				continue
			}
			if rej, ok := res.Rejection(id); ok {
				r.refuse(i, rej)
				progressed = true
				continue
			}
			leftover = append(leftover, i)
		}
		if !progressed {
			return r.bisect(ctx, leftover, "store reported no result for the request")
		}
		set = leftover
	}
	return nil
}

func (r *run) bisect(ctx context.Context, set []int, msg string) error {
	if len(set) == 1 {
		// No detail to go on; treat the field as not existing under this id.
		r.refuse(set[0], external.Rejection{
			Field:   r.canonical(set[0]),
			Reason:  external.ReasonUnknownField,
			Message: msg,
		})
		return nil
	}
	metrics.RecordBisectCall()
	mid := len(set) / 2
	if err := r.send(ctx, set[:mid]); err != nil {
		return err
	}
	return r.send(ctx, set[mid:])
}

// fallback retries each refused field under its aliases, one write per alias.
func (r *run) fallback(ctx context.Context) error {
	queued := make([]int, 0, len(r.reasons))
	for i := range r.reasons {
		queued = append(queued, i)
	}
	sort.Ints(queued)

	for _, i := range queued {
		last := r.reasons[i]
		accepted := false
		aliases := r.outcomes[i].Field.Descriptor.Aliases()
		skip := min(max(r.outcomes[i].Field.Refused-1, 0), len(aliases))
		for _, alias := range aliases[skip:] {
			res, err := r.write(ctx, []int{i}, func(int) string { return alias })
			switch {
			case errors.Is(err, external.ErrRequestRejected):
				last = external.Rejection{Field: alias, Reason: external.ReasonUnknownField, Message: err.Error()}
				r.outcomes[i].Field.Refused++
				continue
			case err != nil:
				return err
			}
			if res.IsAccepted(alias) {
				r.accept(i, alias)
				metrics.RecordAliasFallback(r.outcomes[i].Field.LogicalPath)
				accepted = true
				break
			}
			if rej, ok := res.Rejection(alias); ok {
				last = rej
			} else {
				last = external.Rejection{Field: alias, Reason: external.ReasonUnknownField, Message: "store reported no result for the field"}
			}
			r.outcomes[i].Field.Refused++
		}
		if accepted {
			delete(r.reasons, i)
			continue
		}
		r.outcomes[i].Status = statusFor(last.Reason)
		r.outcomes[i].LastError = last.Message
		delete(r.reasons, i)
	}
	return nil
}

// refuse queues i for alias retries after its canonical id was refused.
func (r *run) refuse(i int, rej external.Rejection) {
	r.reasons[i] = rej
	r.outcomes[i].LastError = rej.Message
	r.outcomes[i].Field.Refused = 1
}

func (r *run) accept(i int, id string) {
	r.outcomes[i].Status = model.FieldAccepted
	r.outcomes[i].AcceptedID = id
	r.outcomes[i].LastError = ""
}

func (r *run) failUndecided(err error) {
	for i := range r.outcomes {
		o := &r.outcomes[i]
		if o.Status == model.FieldAccepted || o.Status.Rejected() {
			continue
		}
		o.Status = model.FieldFailedTransient
		o.LastError = err.Error()
	}
}

func statusFor(reason external.Reason) model.FieldStatus {
	if reason == external.ReasonTypeMismatch {
		return model.FieldRejectedTypeMismatch
	}
	return model.FieldRejectedUnknownField
}
