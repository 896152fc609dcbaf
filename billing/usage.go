package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/yairfalse/conductor/jobqueue"
	"github.com/yairfalse/conductor/providers"
	"github.com/yairfalse/conductor/providers/killbill"
	"github.com/yairfalse/conductor/retrypolicy"
	"github.com/yairfalse/conductor/telemetry"
	"github.com/yairfalse/conductor/types"
)

type pushData struct {
	SubscriptionID string `json:"subscription_id"`
	Date           string `json:"date"`
	Units          int    `json:"units"`
}

// PushUsage sends today's usage of a resource to its subscription. Running
// it again the same day sends the same records again.
func (s *Service) PushUsage(ctx context.Context, resourceID string) error {
	resource, err := s.store.GetResource(resourceID)
	if err != nil {
		return err
	}
	if resource.BillingID == "" {
		return &types.ConfigurationError{Field: "resource.billing_id", Reason: "resource " + resource.ID + " has no subscription"}
	}

	today := s.clock.Now().UTC()
	records, err := s.store.UsageFor(resource.ID, today)
	if err != nil {
		return fmt.Errorf("failed to read usage of %s: %w", resource.Ref(), err)
	}

	doc := BuildUsageDocument(resource.BillingID, records)
	date := today.Format(types.DateLayout)
	desc := jobqueue.TaskDescriptor{Name: TaskPushUsage, Target: resource.Ref(), Args: []string{date}}
	ctx = killbill.ContextWithRequestID(ctx, retrypolicy.IdempotencyKey(desc))

	if err := s.client.PushUsage(ctx, doc); err != nil {
		s.metrics.RecordUsagePush(ctx, resource.Kind, telemetry.StatusFailed)
		return err
	}

	s.metrics.RecordUsagePush(ctx, resource.Kind, telemetry.StatusOK)
	s.appendJournal(TaskPushUsage, resource.Ref(), pushData{
		SubscriptionID: resource.BillingID,
		Date:           date,
		Units:          len(doc.UnitUsageRecords),
	})
	s.logger.WithContext(ctx).Debug().
		Str("resource", resource.Ref()).
		Str("date", date).
		Int("units", len(doc.UnitUsageRecords)).
		Msg("usage pushed")
	return nil
}

// PushAllUsage pushes usage for every OK resource with a subscription.
// Failures are collected; one failing resource does not stop the batch.
func (s *Service) PushAllUsage(ctx context.Context) error {
	resources, err := s.store.ListByState("", types.StateOK)
	if err != nil {
		return err
	}

	var errs []error
	pushed := 0
	for _, resource := range resources {
		if resource.BillingID == "" {
			continue
		}
		if err := s.PushUsage(ctx, resource.ID); err != nil {
			s.logger.WithContext(ctx).Error().Err(err).Str("resource", resource.Ref()).Msg("usage push failed")
			errs = append(errs, fmt.Errorf("%s: %w", resource.Ref(), err))
			continue
		}
		pushed++
	}

	s.logger.WithContext(ctx).Info().Int("pushed", pushed).Int("failed", len(errs)).Msg("usage push finished")
	return errors.Join(errs...)
}

// BuildUsageDocument groups records by unit type, sorted by unit type.
// Amounts are decimal strings.
func BuildUsageDocument(subscriptionID string, records []types.UsageRecord) providers.UsageDocument {
	byUnit := make(map[string][]providers.UsageAmount)
	for _, record := range records {
		byUnit[record.Units] = append(byUnit[record.Units], providers.UsageAmount{
			RecordDate: record.DateKey(),
			Amount:     strconv.FormatFloat(record.Value, 'f', -1, 64),
		})
	}

	units := make([]string, 0, len(byUnit))
	for unit := range byUnit {
		units = append(units, unit)
	}
	sort.Strings(units)

	doc := providers.UsageDocument{
		SubscriptionID:   subscriptionID,
		UnitUsageRecords: make([]providers.UnitUsage, 0, len(units)),
	}
	for _, unit := range units {
		doc.UnitUsageRecords = append(doc.UnitUsageRecords, providers.UnitUsage{
			UnitType:     unit,
			UsageRecords: byUnit[unit],
		})
	}
	return doc
}
