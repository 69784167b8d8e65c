/*
Package store implements Clowdy's repositories on top of bbolt: one bucket
per entity (projects, functions, env_vars, routes, invocations), JSON-encoded
values keyed by id, and a secondary index bucket ordering invocations
newest-first per function so ListInvocationsForFunction avoids a full scan.
*/
package store
