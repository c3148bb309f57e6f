// Package tracking turns per-frame detections into vehicle tracks and
// speed estimates for one road.
//
// Responsibilities: nearest-position association (Hungarian assignment
// over pixel distance), track lifecycle (creation, confirmation, deletion),
// region-of-interest membership, speed finalization, and the rolling
// aggregate published as road metrics.
// Key types: Tracker, Track, Summary.
//
// A Tracker is owned by a single worker loop and is not safe for
// concurrent use.
package tracking
