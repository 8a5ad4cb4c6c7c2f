// Package api registers the Ferry OpenAPI document with swag.
// Regenerate the paths with `swag init -g cmd/ferry-server/main.go -o docs/api`.
package api

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "license": {
            "name": "AGPL-3.0"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/migrations/check": {
            "post": {
                "security": [{"SessionAuth": []}],
                "tags": ["Migrations"],
                "summary": "Check migration conflicts",
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/models.ConflictCheckRequest"}}],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}, "403": {"description": "Forbidden"}}
            }
        },
        "/migrations": {
            "get": {
                "security": [{"SessionAuth": []}],
                "tags": ["Migrations"],
                "summary": "List migrations",
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "security": [{"SessionAuth": []}],
                "tags": ["Migrations"],
                "summary": "Start migration",
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/models.MigrateRequest"}}],
                "responses": {"202": {"description": "Accepted"}, "400": {"description": "Bad Request"}, "409": {"description": "Conflict"}}
            }
        },
        "/migrations/{deployment_id}": {
            "get": {
                "security": [{"SessionAuth": []}],
                "tags": ["Migrations"],
                "summary": "Get migration",
                "parameters": [{"type": "string", "name": "deployment_id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/migrations/{deployment_id}/cancel": {
            "post": {
                "security": [{"SessionAuth": []}],
                "tags": ["Migrations"],
                "summary": "Cancel migration",
                "parameters": [{"type": "string", "name": "deployment_id", "in": "path", "required": true}],
                "responses": {"202": {"description": "Accepted"}, "409": {"description": "Conflict"}}
            }
        },
        "/deployments/{id}/snapshots": {
            "get": {
                "security": [{"SessionAuth": []}],
                "tags": ["Snapshots"],
                "summary": "List deployment snapshots",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "security": [{"SessionAuth": []}],
                "tags": ["Snapshots"],
                "summary": "Create snapshot",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"201": {"description": "Created"}, "413": {"description": "Quota exceeded"}, "422": {"description": "No volumes"}}
            }
        },
        "/snapshots": {
            "get": {
                "security": [{"SessionAuth": []}],
                "tags": ["Snapshots"],
                "summary": "List snapshots",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/snapshots/stats": {
            "get": {
                "security": [{"SessionAuth": []}],
                "tags": ["Snapshots"],
                "summary": "Snapshot storage statistics",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/snapshots/{id}": {
            "get": {
                "security": [{"SessionAuth": []}],
                "tags": ["Snapshots"],
                "summary": "Get snapshot",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            },
            "delete": {
                "security": [{"SessionAuth": []}],
                "tags": ["Snapshots"],
                "summary": "Delete snapshot",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"204": {"description": "No Content"}, "404": {"description": "Not Found"}}
            }
        },
        "/snapshots/{id}/restore": {
            "post": {
                "security": [{"SessionAuth": []}],
                "tags": ["Snapshots"],
                "summary": "Restore snapshot",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "422": {"description": "Unprocessable"}}
            }
        },
        "/servers": {
            "get": {"security": [{"SessionAuth": []}], "tags": ["Inventory"], "summary": "List servers", "responses": {"200": {"description": "OK"}}}
        },
        "/deployments": {
            "get": {"security": [{"SessionAuth": []}], "tags": ["Inventory"], "summary": "List deployments", "responses": {"200": {"description": "OK"}}}
        },
        "/deployments/{id}": {
            "get": {
                "security": [{"SessionAuth": []}],
                "tags": ["Inventory"],
                "summary": "Get deployment",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/activity": {
            "get": {
                "security": [{"SessionAuth": []}],
                "tags": ["Inventory"],
                "summary": "List activity",
                "parameters": [{"type": "integer", "name": "limit", "in": "query"}],
                "responses": {"200": {"description": "OK"}}
            }
        }
    },
    "definitions": {
        "models.PortMapping": {
            "type": "object",
            "properties": {
                "host_port": {"type": "integer"},
                "container_port": {"type": "integer"},
                "protocol": {"type": "string"}
            }
        },
        "models.VolumeMapping": {
            "type": "object",
            "properties": {
                "host_path": {"type": "string"},
                "container_path": {"type": "string"}
            }
        },
        "models.MigrateRequest": {
            "type": "object",
            "required": ["deployment_id", "target_server_id"],
            "properties": {
                "deployment_id": {"type": "string"},
                "target_server_id": {"type": "string"},
                "new_name": {"type": "string"},
                "new_ports": {"type": "array", "items": {"$ref": "#/definitions/models.PortMapping"}},
                "delete_original": {"type": "boolean"}
            }
        },
        "models.ConflictCheckRequest": {
            "type": "object",
            "required": ["target_server_id", "name"],
            "properties": {
                "target_server_id": {"type": "string"},
                "name": {"type": "string"},
                "ports": {"type": "array", "items": {"$ref": "#/definitions/models.PortMapping"}},
                "volumes": {"type": "array", "items": {"$ref": "#/definitions/models.VolumeMapping"}}
            }
        }
    },
    "securityDefinitions": {
        "SessionAuth": {
            "type": "apiKey",
            "name": "ferry_session",
            "in": "cookie"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Ferry API",
	Description:      "Cross-host container migration and volume snapshots.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
