// Package record defines the records exchanged with the remote store: the
// single metadata row, the append-only item rows, and the in-memory snapshot
// that mirrors them.
//
// Rows coming back from a remote backend are loosely typed (Row maps whose
// value types depend on the driver), so every record is built through a
// strict parse function that either returns a typed value or a
// *MalformedError. Writing goes the other way through Row methods that omit
// unset fields, letting the remote store fill in defaults such as id and
// created_at.
package record
