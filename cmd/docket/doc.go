// Command docket runs the Docket job store and operations API.
//
// Docket stores queue messages durably, leases them to workers with a
// visibility timeout, quarantines poison messages, and coordinates
// batch-import claims for bulk loaders.
//
// Install:
//
//	go install github.com/nuetzliches/docket/cmd/docket@latest
//
// Usage:
//
//	docket run [--dotenv ./.env]
package main
