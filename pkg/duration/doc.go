// Package duration implements the ISO-8601-style duration notation used in
// zone housekeeping policies (P1Y2M3DT4H5M6S, or P2W for whole weeks), plus
// the daemon's notion of wall-clock time.
//
// The week designator is mutually exclusive with the other date components:
// "P2W" is valid, "P2W3D" is not.
//
// Converting a duration that contains months or years to seconds uses fixed
// approximations (month = 31 days, year = 365 days). The first such
// conversion logs a warning.
//
// Now returns seconds since the Unix epoch. When the ZONEKEEPER_TIMESHIFT
// environment variable holds a YYYYMMDDHHMMSS literal, Now returns that
// instant instead, which makes time-dependent behavior deterministic in
// tests. Leaped reports whether the wall clock has jumped since process
// start (ntp step, suspend/resume, or an active timeshift), so callers can
// skip long waits after a discontinuity.
package duration
