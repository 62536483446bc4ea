package store

import (
	"fmt"
	"time"
)

// RunMeta is stored as JSON in badger for each archived run.
type RunMeta struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"ca"`
	Events        uint64    `json:"ev"`
	CallsMade     uint64    `json:"cm"`
	CallsReturned uint64    `json:"cr"`
	Errors        uint64    `json:"er"`
	Objects       int       `json:"ob"`
	Handles       int       `json:"hn"`
	Faults        uint64    `json:"fa"`
	Tables        []string  `json:"tb"`
}

// runKey returns the badger key for a run's metadata.
func runKey(id string) string {
	return fmt.Sprintf("run:%s", id)
}

// tableKey returns the badger key for one archived table of a run.
func tableKey(id, title string) string {
	return fmt.Sprintf("table:%s:%s", id, title)
}

// newRunID derives a sortable run identifier from the creation time.
// Fixed width and zero padding keep lexicographic order chronological.
func newRunID(t time.Time) string {
	return t.UTC().Format("20060102-150405.000000000")
}
