package main

// General API documentation for swaggo. Run `swag init -g cmd/inferd/docs.go` to generate docs.
//
// @title           inferd API
// @version         1.0
// @description     Job API for a single-GPU inference worker: staged JSON generation and local document extraction.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @securityDefinitions.apikey  APIKey
// @in                          header
// @name                        X-API-Key
//
// @schemes http
