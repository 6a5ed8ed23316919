/*
Package moderation is the root of the guild moderation pipeline.

Events from the gateway (or the admin API) are normalized into an engine.Event and
handed to engine.Engine, which runs them through a fixed sequence of checks:

  - idempotency: drop redeliveries of the same event
  - governance: safe mode turns the pipeline into log-only, lockdown restricts joins
  - ratelimit: per-user fast path, deletes and nudges on burst
  - risk: per-user profile scoring with hourly decay
  - policy: per-guild policy evaluation, highest scoring match wins
  - dispatch: idempotent execution of enforcement actions against the platform
  - cases: case, evidence, and audit log persistence
  - heat: per-channel activity tracking and adaptive slowmode

Appeals and reports are handled by the tickets package. Durable state lives in
gorm models defined in the store package; ephemeral counters and caches use the
countstore and cachestore interfaces, which have both redis and in-process
implementations.

The cmd/lithium daemon wires all of this together.
*/
package moderation
