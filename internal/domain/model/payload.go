package model

import (
	"encoding/json"
	"fmt"
)

// Payload is the decrypted secret of one credential. Each service type has
// its own concrete variant.
type Payload interface {
	ServiceType() ServiceType
}

// SheetsPayload is a Google service-account key used for Sheets access.
type SheetsPayload struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	ClientID     string `json:"client_id,omitempty"`
	TokenURI     string `json:"token_uri,omitempty"`
}

// ServiceType implements Payload.
func (SheetsPayload) ServiceType() ServiceType { return ServiceGoogleSheets }

// MetaPayload is a Meta marketing API token scoped to one ad account.
type MetaPayload struct {
	AccessToken string `json:"access_token"`
	AdAccountID string `json:"ad_account_id"`
	AppID       string `json:"app_id,omitempty"`
	AppSecret   string `json:"app_secret,omitempty"`
}

// ServiceType implements Payload.
func (MetaPayload) ServiceType() ServiceType { return ServiceMeta }

// GA4Payload is a service account authorized for one GA4 property.
type GA4Payload struct {
	PropertyID  string `json:"property_id"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	ProjectID   string `json:"project_id,omitempty"`
}

// ServiceType implements Payload.
func (GA4Payload) ServiceType() ServiceType { return ServiceGA4 }

// ShopifyPayload is an Admin API access token for one shop.
type ShopifyPayload struct {
	ShopURL     string `json:"shop_url"`
	AccessToken string `json:"access_token"`
	APIVersion  string `json:"api_version"`
}

// ServiceType implements Payload.
func (ShopifyPayload) ServiceType() ServiceType { return ServiceShopify }

// DecodePayload unmarshals raw into the variant for serviceType.
func DecodePayload(serviceType ServiceType, raw []byte) (Payload, error) {
	switch serviceType {
	case ServiceGoogleSheets:
		var p SheetsPayload
		return decodeInto(raw, &p)
	case ServiceMeta:
		var p MetaPayload
		return decodeInto(raw, &p)
	case ServiceGA4:
		var p GA4Payload
		return decodeInto(raw, &p)
	case ServiceShopify:
		var p ShopifyPayload
		return decodeInto(raw, &p)
	default:
		return nil, fmt.Errorf("unsupported service type %q", serviceType)
	}
}

func decodeInto[T Payload](raw []byte, dst *T) (Payload, error) {
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", (*dst).ServiceType(), err)
	}
	return *dst, nil
}

// Plaintext is a decrypted credential payload in its JSON form. Callers
// should Zero it once the secret has been used.
type Plaintext []byte

// Zero overwrites the buffer in place.
func (p Plaintext) Zero() {
	clear(p)
}

// Decode parses the plaintext into the variant for serviceType.
func (p Plaintext) Decode(serviceType ServiceType) (Payload, error) {
	return DecodePayload(serviceType, p)
}
