// Package main hosts the aardwiki entrypoint.
//
// Architecture overview:
//   - Data directory: `aardwiki siteinfo` caches the wiki's site information (site name, namespaces, localized
//     redirect keywords) and `aardwiki import` streams a MediaWiki XML dump into an embedded SQLite article store.
//   - Sequencer: `aardwiki convert` walks the store in insertion order, skipping non-article namespaces and weak
//     redirects, and honours the --start/--end window.
//   - Worker pool: with --workers > 0 each title is converted in a child process (`aardwiki worker`) speaking JSON
//     lines on stdin/stdout. When no result arrives within --timeout seconds the whole pool is killed and restarted,
//     in-flight titles are requeued, and titles stalled too often are retired as timed out.
//   - Aggregator: results are written in arrival order to a JSON-lines dictionary with a metadata sidecar. Counters
//     for processed, errored, timed-out and skipped articles land in the metadata when the run completes.
//   - Plumbing: Viper populates config from flags, env (AARDWIKI_*) and files; zap provides structured logging;
//     Prometheus metrics and the run status are served when --port is set; run history is persisted to Postgres
//     when a DSN is configured; finished runs are announced on Pub/Sub and artifacts uploaded to GCS or a local dir.
//
// Operational notes:
//   - SIGINT/SIGTERM or POST /v1/run/cancel stop the run; workers are killed and the output is left unfinished.
//   - Workers log JSON to stderr; the parent relays those lines through its own logger.
//
// Quick checklist:
//   - aardwiki siteinfo --data-dir data --lang en
//   - aardwiki import --data-dir data --lang en enwiki-latest-pages-articles.xml.bz2
//   - aardwiki convert --data-dir data --lang en --workers 8 --timeout 60
package main
