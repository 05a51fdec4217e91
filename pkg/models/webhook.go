package models

import "time"

type CanonicalEventType string

const (
	EventRecordCreated  CanonicalEventType = "record.created"
	EventRecordUpdated  CanonicalEventType = "record.updated"
	EventRecordDeleted  CanonicalEventType = "record.deleted"
	EventRelatedCreated CanonicalEventType = "related.created"
	EventRelatedUpdated CanonicalEventType = "related.updated"
)

func (e CanonicalEventType) IsRelated() bool {
	return e == EventRelatedCreated || e == EventRelatedUpdated
}

// LinkField names the External Link id a related event refers to.
type LinkField string

const (
	LinkAccount LinkField = "accountId"
	LinkCompany LinkField = "companyId"
	LinkContact LinkField = "contactId"
)

// WebhookEvent is a normalized inbound event.
type WebhookEvent struct {
	IntegrationType    IntegrationType    `json:"integrationType"`
	CanonicalEventType CanonicalEventType `json:"canonicalEventType"`
	RawEventType       string             `json:"rawEventType"`
	ObjectID           string             `json:"objectId"`
	// RelatedLink is set on related.* events.
	RelatedLink LinkField      `json:"relatedLink,omitempty"`
	UserID      string         `json:"userId"`
	RawPayload  map[string]any `json:"rawPayload"`
	ReceivedAt  time.Time      `json:"receivedAt"`
}

type WebhookResult struct {
	Handled    bool   `json:"handled"`
	Reason     string `json:"reason,omitempty"`
	ContractID string `json:"contractId,omitempty"`
	Created    bool   `json:"created,omitempty"`
	// ContractIDs lists the contracts re-synced for a related.* event.
	ContractIDs []string `json:"contractIds,omitempty"`
}

// DeliveryResult reports one outbound webhook delivery.
type DeliveryResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}
