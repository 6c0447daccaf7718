/*
Package log provides structured logging for fleetmedic built on zerolog.

A single global logger is initialized once via Init and shared by all
packages. Child loggers carry pipeline context fields:

	collectorLog := log.WithComponent("collector")
	collectorLog.Info().Str("instance_id", id).Msg("health issue detected")

JSON output is intended for production; the console writer is for local
development.
*/
package log
