// Package storage persists source schedules.
//
// Each source id maps to its persisted schedule string. The scheduler only
// reads and rewrites the string; its format belongs to internal/schedule.
package storage
