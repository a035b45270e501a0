package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Log Export API",
        "description": "Asynchronous bulk export of application logs to chunked CSV files.",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Exports", "description": "Asynchronous log exports and their files"},
        {"name": "Search", "description": "Paged log previews"},
        {"name": "License", "description": "License status"}
    ],
    "paths": {
        "/exports": {
            "post": {
                "tags": ["Exports"],
                "summary": "Start an asynchronous log export",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"in": "body", "name": "payload", "required": true, "schema": {"$ref": "#/definitions/ExportRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid request", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "License missing or expired", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Export queue full", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exports/{id}": {
            "get": {
                "tags": ["Exports"],
                "summary": "Get export status",
                "produces": ["application/json"],
                "parameters": [
                    {"in": "path", "name": "id", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Exports"],
                "summary": "Cancel a running export",
                "parameters": [
                    {"in": "path", "name": "id", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "Cancelled"},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Export already finished", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exports/{id}/events": {
            "get": {
                "tags": ["Exports"],
                "summary": "Stream export progress",
                "description": "Server-sent events: connected, generation_progress, file_ready, download_progress, count_update, error and ping heartbeats.",
                "produces": ["text/event-stream"],
                "parameters": [
                    {"in": "path", "name": "id", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Event stream", "schema": {"$ref": "#/definitions/ProgressMessage"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exports/{id}/events/{subscriptionId}": {
            "delete": {
                "tags": ["Exports"],
                "summary": "Close a progress subscription",
                "parameters": [
                    {"in": "path", "name": "id", "required": true, "type": "string"},
                    {"in": "path", "name": "subscriptionId", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "Unsubscribed"},
                    "404": {"description": "Subscription not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/exports/files": {
            "get": {
                "tags": ["Exports"],
                "summary": "Download an export chunk",
                "produces": ["text/csv"],
                "parameters": [
                    {"in": "query", "name": "file", "required": true, "type": "string"},
                    {"in": "query", "name": "token", "required": false, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "CSV file", "schema": {"type": "file"}},
                    "403": {"description": "Invalid token", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "File not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/search": {
            "post": {
                "tags": ["Search"],
                "summary": "Preview one page of logs",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"in": "body", "name": "payload", "required": true, "schema": {"$ref": "#/definitions/ExportRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid request", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "License missing or expired", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Log store unavailable", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/license": {
            "get": {
                "tags": ["License"],
                "summary": "Current license status",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "No active license", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "ExportRequest": {
            "type": "object",
            "required": ["menu", "timeFrom", "timeTo"],
            "properties": {
                "menu": {"type": "string"},
                "timeFrom": {"type": "string", "format": "date-time"},
                "timeTo": {"type": "string", "format": "date-time"},
                "searchTerm": {"type": "string"},
                "currentPage": {"type": "integer", "minimum": 1},
                "limit": {"type": "integer", "minimum": 1, "maximum": 500000},
                "cursor": {"type": "string"}
            }
        },
        "ProgressMessage": {
            "type": "object",
            "properties": {
                "type": {"type": "string"},
                "fileName": {"type": "string"},
                "displayName": {"type": "string"},
                "url": {"type": "string"},
                "progress": {"type": "integer"},
                "status": {"type": "string"},
                "processedRows": {"type": "integer"},
                "totalRows": {"type": "integer"},
                "code": {"type": "string"},
                "message": {"type": "string"},
                "timestamp": {"type": "integer"}
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
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
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
