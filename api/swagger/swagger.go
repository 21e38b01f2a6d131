package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Music School API",
        "description": "Administration backend for a music school: students, courses, lessons, invoicing and ledger corrections",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Students", "description": "Student records and duplicate detection"},
        {"name": "Enrollments", "description": "Student course enrollments"},
        {"name": "Invoices", "description": "Invoice generation, recalculation and lifecycle"},
        {"name": "Ledger", "description": "Student credits and debits"},
        {"name": "Pricing", "description": "Versioned course type pricing"}
    ],
    "paths": {
        "/health": {
            "get": {
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/students": {
            "get": {
                "tags": ["Students"],
                "summary": "List students",
                "parameters": [
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "active", "in": "query", "type": "boolean"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "sort", "in": "query", "type": "string"},
                    {"name": "order", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Students"],
                "summary": "Create student",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateStudentRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Possible duplicates", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{id}": {
            "get": {
                "tags": ["Students"],
                "summary": "Get student",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments": {
            "post": {
                "tags": ["Enrollments"],
                "summary": "Enroll student in course",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/EnrollStudentRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Already enrolled", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/invoices/generate": {
            "post": {
                "tags": ["Invoices"],
                "summary": "Generate invoice for one enrollment and period",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/GenerateInvoiceRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Invoice already exists for period", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "412": {"description": "No invoiceable lessons in period", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/invoices/generate-batch": {
            "post": {
                "tags": ["Invoices"],
                "summary": "Generate invoices for all active enrollments of a cadence",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/GenerateBatchRequest"}}
                ],
                "responses": {
                    "200": {"description": "Batch result", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "202": {"description": "Batch queued", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/invoices/{id}/recalculate": {
            "post": {
                "tags": ["Invoices"],
                "summary": "Recalculate a draft invoice",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "412": {"description": "Not a draft invoice", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/ledger": {
            "post": {
                "tags": ["Ledger"],
                "summary": "Create manual credit or debit",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateLedgerEntryRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/pricing": {
            "post": {
                "tags": ["Pricing"],
                "summary": "Create pricing version",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreatePricingVersionRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "CreateStudentRequest": {
            "type": "object",
            "properties": {
                "first_name": {"type": "string"},
                "last_name": {"type": "string"},
                "email": {"type": "string"},
                "phone": {"type": "string"},
                "address": {"type": "string"},
                "date_of_birth": {"type": "string"},
                "force": {"type": "boolean"}
            },
            "required": ["first_name", "last_name", "email", "date_of_birth"]
        },
        "EnrollStudentRequest": {
            "type": "object",
            "properties": {
                "student_id": {"type": "string"},
                "course_id": {"type": "string"},
                "discount_percent": {"type": "string"},
                "period_type": {"type": "string", "enum": ["MONTHLY", "QUARTERLY"]}
            },
            "required": ["student_id", "course_id"]
        },
        "GenerateInvoiceRequest": {
            "type": "object",
            "properties": {
                "enrollment_id": {"type": "string"},
                "period_start": {"type": "string"},
                "period_end": {"type": "string"}
            },
            "required": ["enrollment_id", "period_start", "period_end"]
        },
        "GenerateBatchRequest": {
            "type": "object",
            "properties": {
                "period_type": {"type": "string", "enum": ["MONTHLY", "QUARTERLY"]},
                "period_start": {"type": "string"},
                "period_end": {"type": "string"}
            },
            "required": ["period_type", "period_start", "period_end"]
        },
        "CreateLedgerEntryRequest": {
            "type": "object",
            "properties": {
                "student_id": {"type": "string"},
                "type": {"type": "string", "enum": ["CREDIT", "DEBIT"]},
                "amount": {"type": "string"},
                "description": {"type": "string"}
            },
            "required": ["student_id", "type", "amount", "description"]
        },
        "CreatePricingVersionRequest": {
            "type": "object",
            "properties": {
                "course_type_id": {"type": "string"},
                "adult_price": {"type": "string"},
                "child_price": {"type": "string"},
                "valid_from": {"type": "string"}
            },
            "required": ["course_type_id", "adult_price", "child_price", "valid_from"]
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
