/*
Package kvtable implements typed multi-index tables on top of an ordered
key-value store (Bolt, Badger, or an in-memory B-tree).

We implement:

1. Tables, collections of rows marshaled from a given struct and keyed by a
primary index.

2. Secondary indexes, each extracting a key from a row. Several rows may share
a secondary key; unique indexes reject that.

3. Cursors, positions within an index that can be moved back and forth and
dereferenced to rows.

# Technical Details

**Buckets.**
Each table owns a root bucket named after it, holding nested buckets:
“data” (primary key to value), “meta” (table state), and “i_<index>” for every
secondary index. Bolt supports nesting natively; Badger and the in-memory
store emulate it with key prefixes.

**Table state.**
The meta bucket holds a msgpack document listing the schema version and the
secondary indexes that were built. On Bind, indexes missing from it are filled
from the data, and indexes no longer declared have their buckets dropped.

## Binary encoding

**Key encoding.**
A key is flattened into components (struct fields, recursively). Each
component has a fixed order-preserving byte form (big-endian integers with the
sign bit flipped, IEEE floats with the usual order transform, raw strings) and
is framed as an orderedcode string. Framing makes keys prefix-free, so an index
entry enc(secondary) ++ enc(primary) sorts by secondary key, then by primary
key.

**Index entry**: key is enc(secondary) ++ enc(primary), value is
enc(primary).

**Value**: value header, then encoded data, then index key records, then an
optional checksum.

**Value header**:
1. Flags (uvarint): format version, JSON instead of msgpack, checksum present.
2. Schema version (uvarint).
3. Modification count (uvarint).
4. Data size (uvarint).
5. Index size (uvarint).

**Value data**: msgpack (or JSON) of the row struct.

**Index key records** (inside a value) record the entries contributed by this
row. If key extraction changes in the future, we still need to know which
entries to delete when updating the row, so we store all of them. Format:
1. Number of entries (uvarint).
2. For each entry: index name (uvarint length + bytes), entry key (uvarint
length + bytes).

**Checksum**: xxhash64 of everything before it, big-endian.
*/
package kvtable
