/*
Package log provides structured logging for Clowdy using zerolog.

A single global Logger is configured once via Init and shared across
packages. Component loggers (WithComponent, WithProjectID, WithFunctionID,
WithInvocationID) attach context fields so logs from the image manager,
invocation engine, and gateway can be filtered and correlated without
threading a logger through every call.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	engineLog := log.WithComponent("engine").With().Str("invocation_id", id).Logger()
	engineLog.Info().Msg("invocation started")
*/
package log
