package policydb

import "go.etcd.io/bbolt"

// Bucket names for bbolt storage.
var (
	// Record collections - nested structure: collections -> name -> id -> record JSON
	bucketCollections = []byte("collections")
)

// collectionBucket returns the nested bucket for a collection, or nil if it
// has not been initialized.
func collectionBucket(tx *bbolt.Tx, collection string) *bbolt.Bucket {
	root := tx.Bucket(bucketCollections)
	if root == nil || collection == "" {
		return nil
	}
	return root.Bucket([]byte(collection))
}

// recordKey converts a record id to its bucket key.
func recordKey(id string) []byte {
	return []byte(id)
}

// copyBytes copies a value out of a bbolt page; values are only valid for
// the life of the transaction.
func copyBytes(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
