package command

// Message tags for the client↔peer command channel, per the wire
// protocol table: each tag has a fixed write order and a fixed read
// order for its response.
const (
	tagSessionPrepare byte = iota
	tagSessionPrepareReadParams
	tagGetMetaData
	tagExecuteQuery
	tagExecuteDistributedQuery
	tagExecuteUpdate
	tagExecuteDistributedUpdate
	tagClose
	// tagFetchBatch is an implementation detail not named in the wire
	// protocol table: the table specifies column/row counts but not
	// how row payloads for an undetermined (streamed) result are
	// paginated. A cursor-style fetch-batch request/response, keyed by
	// the same (id, objectId) pair COMMAND_GET_META_DATA uses, is the
	// natural extension and is what cursor.fetchBatch sends.
	tagFetchBatch
)

// sentinelID is the id value prepareIfRequiredLocked forces when the session
// has reconnected since this command's last prepare, so the following
// "id <= currentId - ServerCachedObjects" check always triggers a
// re-prepare regardless of the server's current id window.
const sentinelID = int64(-1 << 62)
