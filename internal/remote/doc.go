// Package remote defines the client used to talk to the remote store that
// receives exported records, together with the query and error types every
// backend shares.
//
// A Client exposes row-level select, insert and upsert filtered by equality
// predicates. Concrete backends live in sub-packages:
//
//   - postgres: direct PostgreSQL access through pgx
//   - postgrest: the REST API of a Supabase/PostgREST deployment
//   - sqlite: a local SQLite file
//   - mongo: a MongoDB database, one collection per table
//   - inmemory: a process-local store for tests and dry runs
//
// Backends are selected through remote/factory from configuration.
package remote
