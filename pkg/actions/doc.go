// Package actions provides engine.ActionInvoker implementations: an HTTP
// client for a remote action gateway, an in-process Registry for local runs
// and tests, and an Instrumented decorator that adds metrics and tracing.
package actions
