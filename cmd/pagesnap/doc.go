// Package main hosts the screenshot service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts POST/GET /v1/screenshots, turns the body or query into a
//     capture.Request and answers with the image bytes, or a JSON error naming the failure kind.
//   - Dispatcher: admits at most pool capacity + dispatcher.queue_depth requests at once and rejects the rest
//     with Overloaded (HTTP 503, Retry-After). Admitted requests get their deadline, pass the host blocklist and
//     the optional per-host rate limit, then run as a job.
//   - Jobs and the pool: a job leases a browser handle from the pool, opens a fresh page, navigates, waits
//     and captures. Every engine call is supervised; a call that outlives its deadline by job.kill_grace_ms gets
//     its browser killed so a hung Chrome never holds a slot. Handles are recycled after pool.max_uses leases
//     or pool.max_failures consecutive soft failures.
//   - Engines: engine.mode=local launches Chrome through chromedp, remote attaches to a DevTools endpoint, docker
//     starts one headless-shell container per handle.
//   - Archive: with storage.backend set, captures requested with store=true (or all, with storage.always) are
//     written to memory, a local directory or GCS, recorded in Postgres when db.dsn is set and announced on
//     Pub/Sub when a topic is configured.
//
// Quick checklist:
//   - Configure env vars with the PAGESNAP_ prefix, e.g. PAGESNAP_SERVER_PORT, PAGESNAP_POOL_CAPACITY,
//     PAGESNAP_ENGINE_MODE, PAGESNAP_STORAGE_BACKEND, PAGESNAP_DB_DSN. A .env file in the working directory is
//     loaded first.
//   - Run locally: go run ./cmd/pagesnap -config config.yaml (or rely solely on env overrides).
//   - The process drains on SIGTERM: /readyz turns 503, in-flight captures finish, then browsers are closed.
package main
