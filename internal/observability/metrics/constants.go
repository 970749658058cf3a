// Package metrics provides constants used across metric definitions.
package metrics

// Request results recorded by ImageCacheMetrics.RecordRequest.
const (
	ResultHitMemory   = "hit_memory"
	ResultHitStore    = "hit_store"
	ResultMiss        = "miss"
	ResultInvalidType = "invalid_type"
	ResultInvalidURL  = "invalid_url"
)

// Operation and status label values.
const (
	OpStoreGet    = "get"
	OpStorePut    = "put"
	OpStoreExists = "exists"
	OpStoreEvict  = "evict"

	StatusSuccess   = "success"
	StatusError     = "error"
	StatusFull      = "full"
	StatusCancelled = "cancelled"
	StatusNotFound  = "not_found"
	StatusDecode    = "decode_error"
)
