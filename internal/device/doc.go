// Package device holds the shared vocabulary of the battery-monitor bridge:
// device models, device records and readings, address and advertised-name
// classification, GATT UUID matching, and the classified read-error taxonomy.
//
// Everything here is pure: no radio access, no I/O, no goroutines.
//   - Model identifies one of the two supported protocol variants (bm6, bm7)
//   - Record is the identity of a known monitor, keyed by its normalized address
//   - Reading is a single decoded telemetry sample
//   - ReadError classifies transport and session failures by ErrorKind
package device
