package users

// Engine is the key-value contract the Store needs from its
// storage engine. Each method is atomic for its key.
type Engine interface {
	// Get returns the value stored under key and whether it
	// was present.
	Get(key []byte) (value []byte, ok bool, err error)

	// Insert stores value under key, returning the previous
	// value if there was one.
	Insert(key, value []byte) (prev []byte, ok bool, err error)

	// Remove deletes key, returning the removed value if there
	// was one.
	Remove(key []byte) (prev []byte, ok bool, err error)
}

// ConditionalInserter is implemented by engines that can
// overwrite a key only when it is already present, as one
// atomic step. Strict updates use it when available.
type ConditionalInserter interface {
	InsertIfPresent(key, value []byte) (ok bool, err error)
}
