// Package audit is the operational side of the permission change trail:
// export to json/ndjson/csv, the retention policy that keeps the trail from
// growing forever, and the S3 archiver that preserves purged entries as
// compressed NDJSON objects. Entries themselves are written by pkg/perms
// through the store; this package only reads and prunes them.
package audit
