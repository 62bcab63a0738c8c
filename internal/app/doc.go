// Package app contains the core application logic. It wires the scheduler,
// the command shell and the background services (health check, telemetry,
// audit export) together and owns their lifecycle, decoupled from any
// specific entrypoint like a CLI.
package app
