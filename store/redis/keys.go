package redis

const defaultPrefix = "durable:"

// keyspace builds every key the store uses under one prefix.
type keyspace string

func (k keyspace) run(id string) string { return string(k) + "run:" + id }

// runs orders run IDs by creation time; runsWake and runsDeadline index
// WakeAt and Deadline for the wake sweep.
func (k keyspace) runs() string         { return string(k) + "runs" }
func (k keyspace) runsWake() string     { return string(k) + "runs:wake" }
func (k keyspace) runsDeadline() string { return string(k) + "runs:deadline" }

func (k keyspace) journal(runID string) string    { return string(k) + "journal:" + runID }
func (k keyspace) journalSeq(runID string) string { return string(k) + "journal_seq:" + runID }

func (k keyspace) hook(token string) string     { return string(k) + "hook:" + token }
func (k keyspace) runHooks(runID string) string { return string(k) + "run_hooks:" + runID }

func (k keyspace) stream(runID string) string       { return string(k) + "stream:" + runID }
func (k keyspace) streamMeta(runID string) string   { return string(k) + "stream_meta:" + runID }
func (k keyspace) streamPurged(runID string) string { return string(k) + "stream_purged:" + runID }
func (k keyspace) streamsExpiring() string          { return string(k) + "streams:expiring" }

func (k keyspace) lease(key string) string { return string(k) + "lease:" + key }
func (k keyspace) value(key string) string { return string(k) + "kv:" + key }
