package vidiboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpalmerr/vidiboard/internal/store"
)

// PublishOption configures a dashboard published with [Service.PublishJSON].
//
// PublishOption implements the functional options pattern. Options return
// an error if validation fails.
//
// Built-in options: [WithID], [WithName], [WithOwner], [WithTags],
// [WithPermanent], [WithTTL].
type PublishOption func(*PutOptions) error

// WithID publishes under id, replacing any dashboard already stored there.
// Without it a new id is generated.
//
// Returns an error if id contains characters other than letters, digits,
// '.', '_' and '-'.
func WithID(id string) PublishOption {
	return func(o *PutOptions) error {
		if !store.ValidID(id) {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
		o.ID = id
		return nil
	}
}

// WithName sets the dashboard's display name.
func WithName(name string) PublishOption {
	return func(o *PutOptions) error {
		o.Name = name
		return nil
	}
}

// WithOwner records who published the dashboard.
func WithOwner(owner string) PublishOption {
	return func(o *PutOptions) error {
		o.Owner = owner
		return nil
	}
}

// WithTags adds tags to the dashboard. Tags are trimmed and de-duplicated.
//
// Example:
//
//	rec, err := svc.PublishJSON(ctx, raw,
//	    vidiboard.WithName("training loss"),
//	    vidiboard.WithTags("ml", "nightly"),
//	)
func WithTags(tags ...string) PublishOption {
	return func(o *PutOptions) error {
		o.Tags = append(o.Tags, tags...)
		return nil
	}
}

// WithPermanent exempts the dashboard from eviction.
func WithPermanent() PublishOption {
	return func(o *PutOptions) error {
		o.Permanent = true
		o.TTL = 0
		return nil
	}
}

// WithTTL evicts the dashboard after it has not been accessed for d.
//
// Returns an error if d is negative or the dashboard is permanent.
func WithTTL(d time.Duration) PublishOption {
	return func(o *PutOptions) error {
		if d < 0 {
			return errors.New("ttl cannot be negative")
		}
		if o.Permanent {
			return errors.New("ttl cannot be set on a permanent dashboard")
		}
		o.TTL = d
		return nil
	}
}

// PublishJSON parses raw as a dashboard definition and publishes it.
//
// Returns [ErrInvalidDefinition] if raw is not a valid definition.
func (s *Service) PublishJSON(ctx context.Context, raw []byte, opts ...PublishOption) (Record, error) {
	var put PutOptions
	for _, opt := range opts {
		if err := opt(&put); err != nil {
			return Record{}, err
		}
	}

	def, err := ParseDefinition(raw)
	if err != nil {
		return Record{}, err
	}

	rec, _, err := s.Publish(ctx, def, put)
	return rec, err
}
