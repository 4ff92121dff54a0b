// Package log provides the daemon's structured logger: a zerolog-backed
// global Logger, Init to configure level/format/output, and With* helpers
// that attach the identity fields SD components key their state on
// (service/instance/version, peer, eventgroup) to a child logger.
package log
