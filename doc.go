/*
Package cfddns keeps Cloudflare address records pointed at the host's current public IP.

Usage will always start with [New],
which returns the [Engine] that performs one update pass ("tick") for a [Target].
New requires a [ZoneAPI] (use [UsingCloudflare] or [UsingZoneAPI]),
a [CacheStore] and a [HistoryLog].
Additional engine options are listed in the docs for New.

An Engine can be driven once per target with [Engine.Tick],
or periodically with a [Scheduler].
*/
package cfddns
