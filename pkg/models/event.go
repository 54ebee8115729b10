package models

import (
	"encoding/json"
	"time"
)

type Provider string

const (
	ProviderShopify     Provider = "shopify"
	ProviderWooCommerce Provider = "woocommerce"
	ProviderHotmart     Provider = "hotmart"
	ProviderWebhook     Provider = "webhook"
)

var Providers = []Provider{ProviderShopify, ProviderWooCommerce, ProviderHotmart, ProviderWebhook}

func (p Provider) IsValid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}

	return false
}

type NormalizedEventType string

const (
	EventOrderCreated          NormalizedEventType = "order_created"
	EventOrderPaid             NormalizedEventType = "order_paid"
	EventOrderCancelled        NormalizedEventType = "order_cancelled"
	EventOrderRefunded         NormalizedEventType = "order_refunded"
	EventOrderFulfilled        NormalizedEventType = "order_fulfilled"
	EventCartAbandoned         NormalizedEventType = "cart_abandoned"
	EventPaymentFailed         NormalizedEventType = "payment_failed"
	EventLeadCreated           NormalizedEventType = "lead_created"
	EventSubscriptionCreated   NormalizedEventType = "subscription_created"
	EventSubscriptionCancelled NormalizedEventType = "subscription_cancelled"
	EventCustom                NormalizedEventType = "custom"
)

var NormalizedEventTypes = []NormalizedEventType{
	EventOrderCreated,
	EventOrderPaid,
	EventOrderCancelled,
	EventOrderRefunded,
	EventOrderFulfilled,
	EventCartAbandoned,
	EventPaymentFailed,
	EventLeadCreated,
	EventSubscriptionCreated,
	EventSubscriptionCancelled,
	EventCustom,
}

func (t NormalizedEventType) IsValid() bool {
	for _, known := range NormalizedEventTypes {
		if t == known {
			return true
		}
	}

	return false
}

type Customer struct {
	ExternalID string `json:"externalId,omitempty"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

type OrderItem struct {
	ID       string  `json:"id,omitempty"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

type Order struct {
	ID       string      `json:"id"`
	Status   string      `json:"status,omitempty"`
	Total    float64     `json:"total"`
	Currency string      `json:"currency,omitempty"`
	Items    []OrderItem `json:"items,omitempty"`
}

// NormalizedEvent is the canonical form of an inbound provider event. It is
// never mutated after normalization.
type NormalizedEvent struct {
	ID            string              `json:"id"`
	IntegrationID string              `json:"integrationId"`
	Provider      Provider            `json:"provider"`
	Event         NormalizedEventType `json:"event"`
	ProviderEvent string              `json:"providerEvent"`
	ExternalID    string              `json:"externalId"`
	Customer      Customer            `json:"customer"`
	Order         *Order              `json:"order,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
	ReceivedAt    time.Time           `json:"receivedAt"`
}

// Document returns the event as a generic JSON document so filter fields can
// be resolved by dotted path using the same names the API exposes.
func (e *NormalizedEvent) Document() (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	var doc map[string]any

	err = json.Unmarshal(raw, &doc)
	if err != nil {
		return nil, err
	}

	return doc, nil
}
