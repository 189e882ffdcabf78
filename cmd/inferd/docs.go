package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           inferd API
// @version         1.0
// @description     HTTP API for local LLM inference serving: batched generation, token streaming, model lifecycle.
//
// @contact.name   inferd maintainers
//
// @BasePath  /
//
// @schemes http
