// Package registry holds the exporters running in this process.
//
// Every configured exporter is added to a Registry when it is set up and
// removed when it is torn down. The Registry is created by the app and
// passed by reference to the components that need it (the HTTP API, the
// reload path); there is no package-level state.
//
// An Exporter bundles the pieces that belong to one remote target:
//
//   - the remote client, owned by the exporter and closed with it
//   - the coordinator holding the exported snapshot
//   - the scheduler driving refresh cycles
//
// Removing or replacing an exporter stops its scheduler and closes its
// client, so a removed exporter never writes again.
package registry
