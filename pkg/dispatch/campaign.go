package dispatch

import (
	"context"
	"fmt"

	"github.com/dukex/conduit/pkg/eventbus"
	"github.com/dukex/conduit/pkg/events"
	"github.com/dukex/conduit/pkg/models"
)

// CampaignDispatcher hands campaign starts to the campaign service over the
// event bus.
type CampaignDispatcher struct {
	publisher eventbus.EventPublisher
}

func NewCampaignDispatcher(publisher eventbus.EventPublisher) *CampaignDispatcher {
	return &CampaignDispatcher{publisher: publisher}
}

func (d *CampaignDispatcher) Dispatch(ctx context.Context, req Request) (Receipt, error) {
	cfg, ok := req.Config.(models.StartCampaignConfig)
	if !ok {
		return Receipt{}, Misconfigured(fmt.Errorf("unexpected config %T", req.Config))
	}

	event := events.CampaignStartRequested{
		BaseEvent:  events.NewBaseEvent(events.CampaignStartRequestedEvent),
		CampaignID: cfg.CampaignID,
	}

	if req.Rule != nil {
		event.RuleID = req.Rule.ID
		event.IntegrationID = req.Rule.IntegrationID
	}

	if req.Event != nil {
		event.EventID = req.Event.ID
		event.Customer = req.Event.Customer
	}

	err := d.publisher.Publish(ctx, cfg.CampaignID, event)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to request campaign start: %w", err)
	}

	return Receipt{Reference: event.ID}, nil
}
