/*
Package docket documents the Docket module.

Docket is a job processing and batch-claim engine: a leased message store
with dead-letter quarantine, a durable idempotency registry, a generic
worker loop, and an import-run claim protocol for bulk loads.

This module is library-first and ships the docket command:

	go install github.com/nuetzliches/docket/cmd/docket@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package docket
