package main

// General API documentation for swaggo; the served document lives in
// internal/httpapi and is compiled in with -tags=swagger.
//
// @title           inferd API
// @version         1.0
// @description     Inference serving for GGUF models with edge distribution.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
