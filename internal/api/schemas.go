package api

const approveSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "category": {"type": "string", "minLength": 1, "maxLength": 64},
    "matched_party": {"type": "string", "maxLength": 255},
    "pending": {"type": "boolean"}
  }
}`

const rejectSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "reason": {"type": "string", "maxLength": 500}
  }
}`

const classificationSchema = `{
  "type": "object",
  "additionalProperties": false,
  "minProperties": 1,
  "properties": {
    "category": {"type": "string", "minLength": 1, "maxLength": 64},
    "matched_party": {"type": "string", "maxLength": 255}
  }
}`

const bulkApproveSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["ids"],
  "properties": {
    "ids": {"type": "array", "minItems": 1, "maxItems": 500, "items": {"type": "string", "minLength": 1}},
    "category": {"type": "string", "minLength": 1, "maxLength": 64},
    "matched_party": {"type": "string", "maxLength": 255},
    "pending": {"type": "boolean"}
  }
}`

const bulkRejectSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["ids"],
  "properties": {
    "ids": {"type": "array", "minItems": 1, "maxItems": 500, "items": {"type": "string", "minLength": 1}},
    "reason": {"type": "string", "maxLength": 500}
  }
}`

const syncSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "mode": {"type": "string", "enum": ["full", "incremental", "since_cursor"]},
    "days": {"type": "integer", "minimum": 1, "maximum": 3650},
    "currencies": {"type": "array", "maxItems": 50, "items": {"type": "string", "pattern": "^[A-Za-z]{3}$"}}
  }
}`
