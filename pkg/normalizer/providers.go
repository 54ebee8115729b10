package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dukex/conduit/pkg/models"
)

// Extracted is the provider-independent content of a payload.
type Extracted struct {
	ExternalID string
	Customer   models.Customer
	Order      *models.Order
	Metadata   map[string]any
}

// Adapter knows the payload layout of one provider.
type Adapter interface {
	Provider() models.Provider
	// Schema is a JSON schema requiring the identity fields of a payload.
	Schema() map[string]any
	// EventKey resolves the provider event key from the transport hint
	// (header or query parameter) and the payload.
	EventKey(hint string, payload map[string]any) string
	Extract(payload map[string]any) Extracted
	// Mappings is the built-in event key table.
	Mappings() map[string]models.NormalizedEventType
}

var adapters = map[models.Provider]Adapter{
	models.ProviderShopify:     shopifyAdapter{},
	models.ProviderWooCommerce: wooCommerceAdapter{},
	models.ProviderHotmart:     hotmartAdapter{},
	models.ProviderWebhook:     webhookAdapter{},
}

// AdapterFor returns the adapter of a provider.
func AdapterFor(provider models.Provider) (Adapter, bool) {
	adapter, ok := adapters[provider]

	return adapter, ok
}

// BuiltinMappings returns a copy of the built-in event key table.
func BuiltinMappings(provider models.Provider) map[string]models.NormalizedEventType {
	adapter, ok := adapters[provider]
	if !ok {
		return map[string]models.NormalizedEventType{}
	}

	mappings := make(map[string]models.NormalizedEventType, len(adapter.Mappings()))
	for key, eventType := range adapter.Mappings() {
		mappings[key] = eventType
	}

	return mappings
}

func identitySchema(required ...string) map[string]any {
	properties := make(map[string]any, len(required))
	for _, field := range required {
		properties[field] = map[string]any{"type": []any{"string", "number", "integer"}, "minLength": 1}
	}

	return map[string]any{
		"type":       "object",
		"required":   required,
		"properties": properties,
	}
}

type shopifyAdapter struct{}

func (shopifyAdapter) Provider() models.Provider { return models.ProviderShopify }

func (shopifyAdapter) Schema() map[string]any { return identitySchema("id") }

func (shopifyAdapter) Mappings() map[string]models.NormalizedEventType {
	return map[string]models.NormalizedEventType{
		"orders/create":    models.EventOrderCreated,
		"orders/paid":      models.EventOrderPaid,
		"orders/cancelled": models.EventOrderCancelled,
		"orders/fulfilled": models.EventOrderFulfilled,
		"refunds/create":   models.EventOrderRefunded,
		"checkouts/create": models.EventCartAbandoned,
		"checkouts/update": models.EventCartAbandoned,
		"customers/create": models.EventLeadCreated,
	}
}

func (shopifyAdapter) EventKey(hint string, payload map[string]any) string {
	return keyOrPayloadEvent(hint, payload)
}

func (shopifyAdapter) Extract(payload map[string]any) Extracted {
	customer := object(payload, "customer")

	name := strings.TrimSpace(text(customer, "first_name") + " " + text(customer, "last_name"))

	extracted := Extracted{
		ExternalID: text(payload, "id"),
		Customer: models.Customer{
			ExternalID: text(customer, "id"),
			Name:       name,
			Email:      firstText(text(payload, "email"), text(customer, "email")),
			Phone:      firstText(text(payload, "phone"), text(customer, "phone"), text(object(payload, "billing_address"), "phone")),
		},
		Metadata: map[string]any{},
	}

	if total, ok := number(payload, "total_price"); ok {
		order := &models.Order{
			ID:       extracted.ExternalID,
			Status:   text(payload, "financial_status"),
			Total:    total,
			Currency: text(payload, "currency"),
		}

		for _, item := range objects(payload, "line_items") {
			price, _ := number(item, "price")
			quantity, _ := number(item, "quantity")

			order.Items = append(order.Items, models.OrderItem{
				ID:       text(item, "id"),
				Name:     text(item, "title"),
				Quantity: int(quantity),
				Price:    price,
			})
		}

		extracted.Order = order
	}

	if url := text(payload, "abandoned_checkout_url"); url != "" {
		extracted.Metadata["checkout_url"] = url
	}

	if tags := text(payload, "tags"); tags != "" {
		extracted.Metadata["tags"] = splitTags(tags)
	}

	return extracted
}

type wooCommerceAdapter struct{}

func (wooCommerceAdapter) Provider() models.Provider { return models.ProviderWooCommerce }

func (wooCommerceAdapter) Schema() map[string]any { return identitySchema("id") }

func (wooCommerceAdapter) Mappings() map[string]models.NormalizedEventType {
	return map[string]models.NormalizedEventType{
		"order.created":                  models.EventOrderCreated,
		"order.updated:processing":       models.EventOrderPaid,
		"order.updated:completed":        models.EventOrderFulfilled,
		"order.updated:cancelled":        models.EventOrderCancelled,
		"order.updated:refunded":         models.EventOrderRefunded,
		"order.updated:failed":           models.EventPaymentFailed,
		"customer.created":               models.EventLeadCreated,
		"subscription.created":           models.EventSubscriptionCreated,
		"subscription.updated:cancelled": models.EventSubscriptionCancelled,
	}
}

// EventKey qualifies update topics with the order status, since WooCommerce
// reports every status change as the same topic.
func (wooCommerceAdapter) EventKey(hint string, payload map[string]any) string {
	key := keyOrPayloadEvent(hint, payload)

	if strings.HasSuffix(key, ".updated") {
		if status := text(payload, "status"); status != "" {
			return key + ":" + status
		}
	}

	return key
}

func (wooCommerceAdapter) Extract(payload map[string]any) Extracted {
	billing := object(payload, "billing")

	extracted := Extracted{
		ExternalID: text(payload, "id"),
		Customer: models.Customer{
			ExternalID: text(payload, "customer_id"),
			Name:       strings.TrimSpace(text(billing, "first_name") + " " + text(billing, "last_name")),
			Email:      firstText(text(billing, "email"), text(payload, "email")),
			Phone:      text(billing, "phone"),
		},
		Metadata: map[string]any{},
	}

	if total, ok := number(payload, "total"); ok {
		order := &models.Order{
			ID:       extracted.ExternalID,
			Status:   text(payload, "status"),
			Total:    total,
			Currency: text(payload, "currency"),
		}

		for _, item := range objects(payload, "line_items") {
			price, _ := number(item, "price")
			quantity, _ := number(item, "quantity")

			order.Items = append(order.Items, models.OrderItem{
				ID:       text(item, "id"),
				Name:     text(item, "name"),
				Quantity: int(quantity),
				Price:    price,
			})
		}

		extracted.Order = order
	}

	if method := text(payload, "payment_method"); method != "" {
		extracted.Metadata["payment_method"] = method
	}

	return extracted
}

type hotmartAdapter struct{}

func (hotmartAdapter) Provider() models.Provider { return models.ProviderHotmart }

func (hotmartAdapter) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"event", "data"},
		"properties": map[string]any{
			"event": map[string]any{"type": "string", "minLength": 1},
			"data": map[string]any{
				"type":     "object",
				"required": []any{"purchase"},
				"properties": map[string]any{
					"purchase": identitySchema("transaction"),
				},
			},
		},
	}
}

func (hotmartAdapter) Mappings() map[string]models.NormalizedEventType {
	return map[string]models.NormalizedEventType{
		"PURCHASE_BILLET_PRINTED":       models.EventOrderCreated,
		"PURCHASE_APPROVED":             models.EventOrderPaid,
		"PURCHASE_COMPLETE":             models.EventOrderFulfilled,
		"PURCHASE_CANCELED":             models.EventOrderCancelled,
		"PURCHASE_REFUNDED":             models.EventOrderRefunded,
		"PURCHASE_CHARGEBACK":           models.EventOrderRefunded,
		"PURCHASE_DELAYED":              models.EventPaymentFailed,
		"PURCHASE_EXPIRED":              models.EventPaymentFailed,
		"PURCHASE_OUT_OF_SHOPPING_CART": models.EventCartAbandoned,
		"SUBSCRIPTION_CANCELLATION":     models.EventSubscriptionCancelled,
	}
}

// EventKey prefers the payload, which is authoritative for Hotmart.
func (hotmartAdapter) EventKey(hint string, payload map[string]any) string {
	if event := text(payload, "event"); event != "" {
		return event
	}

	return strings.TrimSpace(hint)
}

func (hotmartAdapter) Extract(payload map[string]any) Extracted {
	data := object(payload, "data")
	buyer := object(data, "buyer")
	purchase := object(data, "purchase")
	product := object(data, "product")
	price := object(purchase, "price")

	extracted := Extracted{
		ExternalID: text(purchase, "transaction"),
		Customer: models.Customer{
			Name:  text(buyer, "name"),
			Email: text(buyer, "email"),
			Phone: firstText(text(buyer, "checkout_phone"), text(buyer, "phone")),
		},
		Metadata: map[string]any{},
	}

	if value, ok := number(price, "value"); ok {
		order := &models.Order{
			ID:       extracted.ExternalID,
			Status:   text(purchase, "status"),
			Total:    value,
			Currency: text(price, "currency_value"),
		}

		if name := text(product, "name"); name != "" {
			order.Items = []models.OrderItem{{ID: text(product, "id"), Name: name, Quantity: 1, Price: value}}
		}

		extracted.Order = order
	}

	if name := text(product, "name"); name != "" {
		extracted.Metadata["product"] = name
	}

	return extracted
}

// webhookAdapter accepts payloads already shaped like a normalized event.
type webhookAdapter struct{}

func (webhookAdapter) Provider() models.Provider { return models.ProviderWebhook }

func (webhookAdapter) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"anyOf": []any{
			identitySchema("externalId"),
			identitySchema("id"),
		},
	}
}

func (webhookAdapter) Mappings() map[string]models.NormalizedEventType {
	mappings := make(map[string]models.NormalizedEventType, len(models.NormalizedEventTypes))
	for _, eventType := range models.NormalizedEventTypes {
		if eventType != models.EventCustom {
			mappings[string(eventType)] = eventType
		}
	}

	return mappings
}

func (webhookAdapter) EventKey(hint string, payload map[string]any) string {
	return keyOrPayloadEvent(hint, payload)
}

func (webhookAdapter) Extract(payload map[string]any) Extracted {
	customer := object(payload, "customer")

	extracted := Extracted{
		ExternalID: firstText(text(payload, "externalId"), text(payload, "id")),
		Customer: models.Customer{
			ExternalID: firstText(text(customer, "externalId"), text(customer, "id")),
			Name:       text(customer, "name"),
			Email:      text(customer, "email"),
			Phone:      text(customer, "phone"),
		},
		Metadata: map[string]any{},
	}

	if order := object(payload, "order"); order != nil {
		total, _ := number(order, "total")
		extracted.Order = &models.Order{
			ID:       firstText(text(order, "id"), extracted.ExternalID),
			Status:   text(order, "status"),
			Total:    total,
			Currency: text(order, "currency"),
		}

		for _, item := range objects(order, "items") {
			price, _ := number(item, "price")
			quantity, _ := number(item, "quantity")

			extracted.Order.Items = append(extracted.Order.Items, models.OrderItem{
				ID:       text(item, "id"),
				Name:     text(item, "name"),
				Quantity: int(quantity),
				Price:    price,
			})
		}
	}

	for key, value := range object(payload, "metadata") {
		extracted.Metadata[key] = value
	}

	return extracted
}

func keyOrPayloadEvent(hint string, payload map[string]any) string {
	if hint = strings.TrimSpace(hint); hint != "" {
		return hint
	}

	return text(payload, "event")
}

func object(payload map[string]any, key string) map[string]any {
	if payload == nil {
		return nil
	}

	value, _ := payload[key].(map[string]any)

	return value
}

func objects(payload map[string]any, key string) []map[string]any {
	if payload == nil {
		return nil
	}

	raw, _ := payload[key].([]any)
	items := make([]map[string]any, 0, len(raw))

	for _, entry := range raw {
		if item, ok := entry.(map[string]any); ok {
			items = append(items, item)
		}
	}

	return items
}

// text renders strings and numbers. Payloads are decoded with UseNumber so
// large numeric ids keep every digit.
func text(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}

	switch v := payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func number(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}

	switch v := payload[key].(type) {
	case json.Number:
		n, err := v.Float64()

		return n, err == nil
	default:
		return models.ToNumber(v)
	}
}

func firstText(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}

	return ""
}

func splitTags(tags string) []any {
	list, _ := models.ToList(tags)

	return list
}
