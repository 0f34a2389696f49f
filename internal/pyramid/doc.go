// Package pyramid owns the partitioning pyramid: a fixed-depth quadtree of
// cells over the normalized domain that decides which trained model answers a
// region.
//
// Responsibilities: building the pyramid from a height, validating and
// (de)serializing snapshots, locating the finest cell that encloses a box, and
// the admission threshold arithmetic.
// Key types: Pyramid, Cell, CellRef, Snapshot.
//
// Cells at height h form a 2^h × 2^h grid indexed in Z-order, so the children
// of cell i are always 4i..4i+3 one level down. Height 0 is the whole domain.
//
// No locking and no file I/O happens here; internal/repository serializes
// writers and owns persistence.
package pyramid
