package application

import "github.com/ericfisherdev/credvault/internal/domain/model"

func schemaURL(serviceType model.ServiceType) string {
	return "https://credvault.dev/schemas/payload/" + string(serviceType) + ".json"
}

// payloadSchemas holds the JSON Schema for each service type's payload.
// Google service account keys carry extra descriptive fields, so that schema
// leaves additionalProperties open.
var payloadSchemas = map[model.ServiceType]string{
	model.ServiceGoogleSheets: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "project_id", "private_key_id", "private_key", "client_email"],
  "properties": {
    "type": { "const": "service_account" },
    "project_id": { "type": "string", "pattern": "^[a-z][a-z0-9-]{4,28}[a-z0-9]$" },
    "private_key_id": { "type": "string", "pattern": "^[A-Fa-f0-9]{8,64}$" },
    "private_key": { "type": "string", "minLength": 1 },
    "client_email": { "type": "string", "format": "email" },
    "client_id": { "type": "string", "pattern": "^[0-9]+$" },
    "token_uri": { "type": "string", "format": "uri" }
  }
}`,

	model.ServiceMeta: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["access_token", "ad_account_id"],
  "properties": {
    "access_token": { "type": "string", "pattern": "^[A-Za-z0-9._|-]{16,}$" },
    "ad_account_id": { "type": "string", "pattern": "^act_[0-9]+$" },
    "app_id": { "type": "string", "pattern": "^[0-9]+$" },
    "app_secret": { "type": "string", "pattern": "^[A-Za-z0-9]{16,}$" }
  },
  "additionalProperties": false
}`,

	model.ServiceGA4: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["property_id", "client_email", "private_key"],
  "properties": {
    "property_id": { "type": "string", "pattern": "^[0-9]+$" },
    "client_email": { "type": "string", "format": "email" },
    "private_key": { "type": "string", "minLength": 1 },
    "project_id": { "type": "string", "pattern": "^[a-z][a-z0-9-]{4,28}[a-z0-9]$" }
  },
  "additionalProperties": false
}`,

	model.ServiceShopify: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["shop_url", "access_token", "api_version"],
  "properties": {
    "shop_url": { "type": "string", "pattern": "^[a-z0-9][a-z0-9-]*\\.myshopify\\.com$" },
    "access_token": { "type": "string", "pattern": "^shp(at|ca|pa|ss)_[A-Za-z0-9]+$" },
    "api_version": { "type": "string", "pattern": "^[0-9]{4}-(0[1-9]|1[0-2])$" }
  },
  "additionalProperties": false
}`,
}
