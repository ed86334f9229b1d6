// Package indexmanager bridges typed column values to the index
// implementations: each supported column type binds its key codec and
// ordering to a tree instance here, and the hash index gets the canonical
// key-byte mapping. The table layer drives everything through RowIndex and
// never sees a concrete key type.
package indexmanager

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/granitedb/granite/core/catalog"
	"github.com/granitedb/granite/core/indexing/btree"
	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/write_engine/bufferpool"
)

// RowIterator yields (key, row location) pairs in key order. Keys carrying
// several locations yield one pair per location, in arrival order.
type RowIterator interface {
	Next() (catalog.Value, pagestore.RowLocation, bool, error)
	Close()
}

// RowIndex is an ordered index from column values to row locations. A
// unique index holds exactly one location per key; a secondary index holds
// the list of rows sharing the value.
type RowIndex interface {
	Name() string
	KeyType() catalog.Type
	Unique() bool
	HeaderPageID() pagestore.PageID

	Insert(txn bufferpool.TxnContext, key catalog.Value, loc pagestore.RowLocation) error
	Remove(txn bufferpool.TxnContext, key catalog.Value, loc pagestore.RowLocation) error
	Move(txn bufferpool.TxnContext, key catalog.Value, from, to pagestore.RowLocation) error
	Lookup(key catalog.Value) ([]pagestore.RowLocation, error)
	Range(low, high catalog.Value) (RowIterator, error)
}

// CreateRowIndex builds an empty tree index for the given column type
// inside txn.
func CreateRowIndex(txn bufferpool.TxnContext, name string, keyType catalog.Type, unique bool, order int, bpm *bufferpool.BufferPoolManager, logger *zap.Logger) (RowIndex, error) {
	switch keyType {
	case catalog.TypeInt:
		return createTreeIndex(txn, name, unique, order, bpm, logger, int64Codec())
	case catalog.TypeText:
		return createTreeIndex(txn, name, unique, order, bpm, logger, stringCodec())
	case catalog.TypeFloat:
		return createTreeIndex(txn, name, unique, order, bpm, logger, float64Codec())
	case catalog.TypeBool:
		return createTreeIndex(txn, name, unique, order, bpm, logger, boolCodec())
	case catalog.TypeDecimal:
		return createTreeIndex(txn, name, unique, order, bpm, logger, decimalCodec())
	default:
		return nil, fmt.Errorf("%w: cannot index columns of %s", dberror.ErrSchemaViolation, keyType)
	}
}

// OpenRowIndex attaches to an existing tree index by its header page.
func OpenRowIndex(headerPageID pagestore.PageID, name string, keyType catalog.Type, unique bool, bpm *bufferpool.BufferPoolManager, logger *zap.Logger) (RowIndex, error) {
	switch keyType {
	case catalog.TypeInt:
		return openTreeIndex(headerPageID, name, unique, bpm, logger, int64Codec())
	case catalog.TypeText:
		return openTreeIndex(headerPageID, name, unique, bpm, logger, stringCodec())
	case catalog.TypeFloat:
		return openTreeIndex(headerPageID, name, unique, bpm, logger, float64Codec())
	case catalog.TypeBool:
		return openTreeIndex(headerPageID, name, unique, bpm, logger, boolCodec())
	case catalog.TypeDecimal:
		return openTreeIndex(headerPageID, name, unique, bpm, logger, decimalCodec())
	default:
		return nil, fmt.Errorf("%w: cannot index columns of %s", dberror.ErrSchemaViolation, keyType)
	}
}

// treeCodec binds one column type to its key codec, ordering, and the
// conversions in and out of catalog.Value.
type treeCodec[K any] struct {
	keyType        catalog.Type
	order          btree.Order[K]
	serializeKey   func(K) ([]byte, error)
	deserializeKey func([]byte) (K, error)
	fromValue      func(catalog.Value) (K, error)
	toValue        func(K) catalog.Value
}

func keyOfType[K any](v catalog.Value, want catalog.Type, get func(catalog.Value) K) (K, error) {
	var zero K
	if v.Type() != want {
		return zero, fmt.Errorf("%w: index key must be %s, got %s", dberror.ErrSchemaViolation, want, v.Type())
	}
	if v.IsNull() {
		return zero, fmt.Errorf("%w: index key cannot be NULL", dberror.ErrSchemaViolation)
	}
	return get(v), nil
}

func int64Codec() treeCodec[int64] {
	return treeCodec[int64]{
		keyType:        catalog.TypeInt,
		order:          btree.DefaultKeyOrder[int64],
		serializeKey:   btree.SerializeInt64,
		deserializeKey: btree.DeserializeInt64,
		fromValue: func(v catalog.Value) (int64, error) {
			return keyOfType(v, catalog.TypeInt, catalog.Value.Int)
		},
		toValue: catalog.NewInt,
	}
}

func stringCodec() treeCodec[string] {
	return treeCodec[string]{
		keyType:        catalog.TypeText,
		order:          btree.DefaultKeyOrder[string],
		serializeKey:   btree.SerializeString,
		deserializeKey: btree.DeserializeString,
		fromValue: func(v catalog.Value) (string, error) {
			return keyOfType(v, catalog.TypeText, catalog.Value.Text)
		},
		toValue: catalog.NewText,
	}
}

func float64Codec() treeCodec[float64] {
	return treeCodec[float64]{
		keyType:        catalog.TypeFloat,
		order:          btree.DefaultKeyOrder[float64],
		serializeKey:   btree.SerializeFloat64,
		deserializeKey: btree.DeserializeFloat64,
		fromValue: func(v catalog.Value) (float64, error) {
			return keyOfType(v, catalog.TypeFloat, catalog.Value.Float)
		},
		toValue: catalog.NewFloat,
	}
}

func boolCodec() treeCodec[bool] {
	return treeCodec[bool]{
		keyType:        catalog.TypeBool,
		order:          btree.BoolKeyOrder,
		serializeKey:   btree.SerializeBool,
		deserializeKey: btree.DeserializeBool,
		fromValue: func(v catalog.Value) (bool, error) {
			return keyOfType(v, catalog.TypeBool, catalog.Value.Bool)
		},
		toValue: catalog.NewBool,
	}
}

func decimalCodec() treeCodec[decimal.Decimal] {
	return treeCodec[decimal.Decimal]{
		keyType:        catalog.TypeDecimal,
		order:          btree.DecimalKeyOrder,
		serializeKey:   btree.SerializeDecimal,
		deserializeKey: btree.DeserializeDecimal,
		fromValue: func(v catalog.Value) (decimal.Decimal, error) {
			return keyOfType(v, catalog.TypeDecimal, catalog.Value.Decimal)
		},
		toValue: catalog.NewDecimal,
	}
}
