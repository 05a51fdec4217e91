package models

import (
	"encoding/json"
	"time"
)

type ContractStatus string

const (
	ContractStatusDraft      ContractStatus = "Draft"
	ContractStatusPending    ContractStatus = "Pending"
	ContractStatusActive     ContractStatus = "Active"
	ContractStatusExpired    ContractStatus = "Expired"
	ContractStatusTerminated ContractStatus = "Terminated"
	// ContractStatusUnknown is assigned when an external stage has no local equivalent.
	ContractStatusUnknown ContractStatus = "Unknown"
)

// Contract is the local contract document. Integrations is keyed by integration type.
type Contract struct {
	ID           string                                 `json:"id"`
	UserID       string                                 `json:"userId"`
	Name         string                                 `json:"name"`
	Amount       float64                                `json:"amount"`
	Currency     string                                 `json:"currency,omitempty"`
	ExpiryDate   *time.Time                             `json:"expiryDate,omitempty"`
	Status       ContractStatus                         `json:"status"`
	ContractType string                                 `json:"contractType,omitempty"`
	RiskScore    *float64                               `json:"riskScore,omitempty"`
	Counterparty string                                 `json:"counterparty,omitempty"`
	Description  string                                 `json:"description,omitempty"`
	Custom       map[string]any                         `json:"custom,omitempty"`
	Integrations map[IntegrationType]*IntegrationRecord `json:"integrations,omitempty"`
	CreatedAt    time.Time                              `json:"createdAt"`
	UpdatedAt    time.Time                              `json:"updatedAt"`
}

// IntegrationRecord is the per-integration sub-document of a contract.
type IntegrationRecord struct {
	Link ExternalLink `json:"link"`
	Sync SyncState    `json:"sync"`
}

type ExternalLink struct {
	// ExternalID is the primary record key: opportunity, deal or sales order id.
	ExternalID string `json:"externalId,omitempty"`
	AccountID  string `json:"accountId,omitempty"`
	ContactID  string `json:"contactId,omitempty"`
	CompanyID  string `json:"companyId,omitempty"`
}

func (l ExternalLink) IsZero() bool {
	return l == ExternalLink{}
}

// Merge fills l's empty ids from other.
func (l ExternalLink) Merge(other ExternalLink) ExternalLink {
	if l.ExternalID == "" {
		l.ExternalID = other.ExternalID
	}
	if l.AccountID == "" {
		l.AccountID = other.AccountID
	}
	if l.ContactID == "" {
		l.ContactID = other.ContactID
	}
	if l.CompanyID == "" {
		l.CompanyID = other.CompanyID
	}
	return l
}

// Integration returns the sub-document for t, or a zero record if the
// contract was never synced with t.
func (c *Contract) Integration(t IntegrationType) IntegrationRecord {
	if c.Integrations == nil || c.Integrations[t] == nil {
		return IntegrationRecord{Sync: SyncState{Status: SyncStatusIdle}}
	}
	return *c.Integrations[t]
}

func (c *Contract) SetIntegration(t IntegrationType, record IntegrationRecord) {
	if c.Integrations == nil {
		c.Integrations = map[IntegrationType]*IntegrationRecord{}
	}
	r := record
	c.Integrations[t] = &r
}

// Document renders the contract as a generic document for field mapping.
func (c *Contract) Document() map[string]any {
	b, err := json.Marshal(c)
	if err != nil {
		return map[string]any{}
	}
	doc := map[string]any{}
	_ = json.Unmarshal(b, &doc)
	return doc
}

func (c *Contract) Clone() *Contract {
	b, err := json.Marshal(c)
	if err != nil {
		return c
	}
	out := &Contract{}
	if err := json.Unmarshal(b, out); err != nil {
		return c
	}
	return out
}

// ContractFields is the subset of a contract an adapter can derive from an external record.
type ContractFields struct {
	Name         string         `json:"name,omitempty"`
	Amount       *float64       `json:"amount,omitempty"`
	Currency     string         `json:"currency,omitempty"`
	ExpiryDate   *time.Time     `json:"expiryDate,omitempty"`
	Status       ContractStatus `json:"status,omitempty"`
	ContractType string         `json:"contractType,omitempty"`
	RiskScore    *float64       `json:"riskScore,omitempty"`
	Counterparty string         `json:"counterparty,omitempty"`
	Description  string         `json:"description,omitempty"`
	Custom       map[string]any `json:"custom,omitempty"`
	// LocalID is the back-reference to a local contract stored on the external record.
	LocalID string `json:"localId,omitempty"`
	// ExternalStage is the raw vendor stage, kept for filtering.
	ExternalStage string       `json:"externalStage,omitempty"`
	Link          ExternalLink `json:"link"`
}

// Map renders the fields as a generic document so inbound mappings can target them.
func (f ContractFields) Map() map[string]any {
	b, err := json.Marshal(f)
	if err != nil {
		return map[string]any{}
	}
	doc := map[string]any{}
	_ = json.Unmarshal(b, &doc)
	return doc
}

var contractFieldKeys = map[string]bool{
	"name": true, "amount": true, "currency": true, "expiryDate": true, "status": true,
	"contractType": true, "riskScore": true, "counterparty": true, "description": true,
	"custom": true, "localId": true, "externalStage": true, "link": true,
}

// ContractFieldsFromMap is the inverse of ContractFields.Map. Keys that do not
// belong to a known field are collected into Custom.
func ContractFieldsFromMap(doc map[string]any) (ContractFields, error) {
	var f ContractFields
	b, err := json.Marshal(doc)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return f, err
	}
	for k, v := range doc {
		if contractFieldKeys[k] {
			continue
		}
		if f.Custom == nil {
			f.Custom = map[string]any{}
		}
		f.Custom[k] = v
	}
	return f, nil
}

// ApplyTo copies the populated fields onto c.
func (f ContractFields) ApplyTo(c *Contract) {
	if f.Name != "" {
		c.Name = f.Name
	}
	if f.Amount != nil {
		c.Amount = *f.Amount
	}
	if f.Currency != "" {
		c.Currency = f.Currency
	}
	if f.ExpiryDate != nil {
		c.ExpiryDate = f.ExpiryDate
	}
	if f.Status != "" {
		c.Status = f.Status
	}
	if f.ContractType != "" {
		c.ContractType = f.ContractType
	}
	if f.RiskScore != nil {
		c.RiskScore = f.RiskScore
	}
	if f.Counterparty != "" {
		c.Counterparty = f.Counterparty
	}
	if f.Description != "" {
		c.Description = f.Description
	}
	if len(f.Custom) > 0 {
		if c.Custom == nil {
			c.Custom = map[string]any{}
		}
		for k, v := range f.Custom {
			c.Custom[k] = v
		}
	}
}
