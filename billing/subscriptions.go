package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/yairfalse/conductor/providers"
	"github.com/yairfalse/conductor/types"
)

// EnsureAccount returns the billing account of a customer, creating it on
// first use. customerUUID is the account's external key.
func (s *Service) EnsureAccount(ctx context.Context, customerName, customerUUID string) (string, error) {
	account, err := s.client.FindAccount(ctx, customerUUID)
	if err == nil {
		return account.ID, nil
	}
	var backendErr *types.BackendError
	if !errors.As(err, &backendErr) || backendErr.StatusCode != http.StatusNotFound {
		return "", err
	}

	account, err = s.client.CreateAccount(ctx, customerName, customerUUID)
	if err != nil {
		return "", err
	}
	s.logger.WithContext(ctx).Info().
		Str("account", account.ID).
		Str("customer", customerUUID).
		Msg("billing account created")
	return account.ID, nil
}

// Subscribe opens a subscription for a resource under accountID and stores
// its id on the resource
func (s *Service) Subscribe(ctx context.Context, resourceID, accountID string) (string, error) {
	resource, err := s.store.GetResource(resourceID)
	if err != nil {
		return "", err
	}
	if resource.BillingID != "" {
		return resource.BillingID, nil
	}
	_, productName := namesFor(s.registry, resource.Kind)

	sub, err := s.client.CreateSubscription(ctx, providers.SubscriptionRequest{
		AccountID:   accountID,
		ExternalKey: resource.ID,
		ProductName: productName,
	})
	if err != nil {
		return "", err
	}
	if err := s.store.SetBillingID(resource.ID, sub.ID); err != nil {
		return "", fmt.Errorf("failed to store subscription of %s: %w", resource.Ref(), err)
	}

	s.logger.WithContext(ctx).Info().
		Str("resource", resource.Ref()).
		Str("subscription", sub.ID).
		Msg("subscription opened")
	return sub.ID, nil
}

// Unsubscribe cancels the subscription of resource, if any
func (s *Service) Unsubscribe(ctx context.Context, resource types.Resource) error {
	if resource.BillingID == "" {
		return nil
	}
	if err := s.client.DeleteSubscription(ctx, resource.BillingID); err != nil {
		return err
	}
	s.logger.WithContext(ctx).Info().
		Str("resource", resource.Ref()).
		Str("subscription", resource.BillingID).
		Msg("subscription cancelled")
	return nil
}

// DryRunInvoice previews the invoice of accountID on the current date
func (s *Service) DryRunInvoice(ctx context.Context, accountID string) (*providers.Invoice, error) {
	return s.client.DryRunInvoice(ctx, accountID, s.clock.Now())
}
