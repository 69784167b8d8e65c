/*
Package metrics defines and registers Clowdy's Prometheus metrics: invocation
counts and durations, build outcomes, container create/start latency, gateway
request counts, and outer HTTP request counts. Handler exposes them for
scraping; Timer is a small helper for observing operation duration into a
histogram.
*/
package metrics
