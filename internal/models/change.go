package models

// Change is one entry of a change feed: the document as of that write and
// whether the write was a deletion. Seq is the collection's change sequence
// at the time of the write and is the resume marker for ChangesSince.
type Change struct {
	Doc     *Document
	Seq     int64
	Deleted bool
	// Local is true for writes made by this process, false for documents
	// applied from the remote feed. Push replication only ships local
	// changes, so pulled documents do not bounce straight back out.
	Local bool
}

// SyncCheckpoint records replication progress for one entity type. Persisted
// by the store so sessions resume incrementally across restarts.
type SyncCheckpoint struct {
	Entity    EntityType
	LocalSeq  int64
	RemoteSeq int64
}
