// Package integration provides end-to-end tests for the state exporter.
// They run the complete app against a fake Supabase REST endpoint and a
// mock Home Assistant instance, exercising provisioning, baseline loading,
// change detection and the HTTP API.
package integration
