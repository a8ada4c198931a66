//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

type apiDoc struct{}

func (apiDoc) ReadDoc() string { return docTemplate }

func init() { swag.Register(swag.Name, apiDoc{}) }

// MountSwagger serves the Swagger UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}

const docTemplate = `{
  "swagger": "2.0",
  "info": {
    "title": "inferd API",
    "description": "Inference serving for GGUF models with edge distribution.",
    "version": "1.0"
  },
  "basePath": "/",
  "schemes": ["http"],
  "paths": {
    "/submit": {"post": {"summary": "Submit an inference request", "consumes": ["application/json"], "produces": ["application/json"], "responses": {"200": {"description": "response envelope"}, "400": {"description": "bad request"}, "429": {"description": "too busy"}, "503": {"description": "unavailable"}}}},
    "/infer": {"post": {"summary": "Stream inference as NDJSON", "consumes": ["application/json"], "produces": ["application/x-ndjson"], "responses": {"200": {"description": "NDJSON stream"}}}},
    "/v1/completions": {"post": {"summary": "OpenAI-compatible text completion", "responses": {"200": {"description": "completion"}}}},
    "/v1/chat/completions": {"post": {"summary": "OpenAI-compatible chat completion", "responses": {"200": {"description": "completion"}}}},
    "/stats": {"get": {"summary": "Statistics", "responses": {"200": {"description": "stats"}}}},
    "/models": {"get": {"summary": "List known models", "responses": {"200": {"description": "models"}}}},
    "/devices": {
      "get": {"summary": "List edge devices", "responses": {"200": {"description": "devices"}}},
      "post": {"summary": "Register an edge device", "responses": {"201": {"description": "registered"}}}
    },
    "/devices/{id}/heartbeat": {"post": {"summary": "Record a device heartbeat", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"204": {"description": "ok"}, "404": {"description": "unknown device"}}}},
    "/devices/{id}": {"delete": {"summary": "Remove an edge device", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"204": {"description": "removed"}, "404": {"description": "unknown device"}}}},
    "/healthz": {"get": {"summary": "Liveness", "responses": {"200": {"description": "ok"}}}},
    "/readyz": {"get": {"summary": "Readiness", "responses": {"200": {"description": "ready"}, "503": {"description": "loading"}}}}
  }
}`
