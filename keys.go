package trackkit

import (
	"github.com/oklog/ulid/v2"
)

// Key prefixes for the record types TrackKit stores in BadgerDB.
const (
	prefixQueue    = "q:" // Durable queue entries: q:<ulid>
	prefixType     = "y:" // Type index: y:<type>:<ulid>
	prefixPriority = "p:" // Priority index: p:<digit>:<ulid>

	queueKeyLen = len(prefixQueue) + 26
)

// State record keys for session and user identity. These live beside
// the queue in the same store so a restart can resume (or expire) the
// previous session.
const (
	keySessionState = "s:session"
	keyUserState    = "s:user"
)

// encodeQueueKey creates a durable queue key from an event ID.
// Format: q:<ulid>
func encodeQueueKey(id ulid.ULID) []byte {
	key := make([]byte, 0, queueKeyLen)
	key = append(key, prefixQueue...)
	key = append(key, id.String()...)
	return key
}

// decodeQueueKey extracts the event ID from a durable queue key.
func decodeQueueKey(key []byte) (ulid.ULID, error) {
	if len(key) < queueKeyLen {
		return ulid.ULID{}, errCorruptKey
	}
	return ulid.ParseStrict(string(key[len(prefixQueue):]))
}

// queueKeyPrefix returns the prefix for all durable queue keys.
func queueKeyPrefix() []byte {
	return []byte(prefixQueue)
}

// encodeTypeIndexKey creates a type index key.
// Format: y:<type>:<ulid>
func encodeTypeIndexKey(t EventType, id ulid.ULID) []byte {
	key := make([]byte, 0, len(prefixType)+len(t)+1+26)
	key = append(key, prefixType...)
	key = append(key, t...)
	key = append(key, ':')
	key = append(key, id.String()...)
	return key
}

// encodeTypeIndexPrefix creates a prefix for scanning all queued
// events of a specific type. Format: y:<type>:
func encodeTypeIndexPrefix(t EventType) []byte {
	prefix := make([]byte, 0, len(prefixType)+len(t)+1)
	prefix = append(prefix, prefixType...)
	prefix = append(prefix, t...)
	prefix = append(prefix, ':')
	return prefix
}

// encodePriorityIndexKey creates a priority index key.
// Format: p:<digit>:<ulid>
func encodePriorityIndexKey(p Priority, id ulid.ULID) []byte {
	key := make([]byte, 0, len(prefixPriority)+1+1+26)
	key = append(key, prefixPriority...)
	key = append(key, byte('0'+p))
	key = append(key, ':')
	key = append(key, id.String()...)
	return key
}

// encodePriorityIndexPrefix creates a prefix for scanning all queued
// events with a specific priority. Format: p:<digit>:
func encodePriorityIndexPrefix(p Priority) []byte {
	prefix := make([]byte, 0, len(prefixPriority)+1+1)
	prefix = append(prefix, prefixPriority...)
	prefix = append(prefix, byte('0'+p))
	prefix = append(prefix, ':')
	return prefix
}

// decodeIndexKey extracts the event ID from either index key. The
// ULID is always the last 26 bytes.
func decodeIndexKey(key []byte) (ulid.ULID, error) {
	if len(key) < 26 {
		return ulid.ULID{}, errCorruptKey
	}
	return ulid.ParseStrict(string(key[len(key)-26:]))
}
