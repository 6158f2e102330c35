package models

import "time"

// StateDocument stores the relay state as a single JSON document keyed by
// name. The database backend keeps the same document shape as the file
// backend so state can move between them unchanged.
type StateDocument struct {
	Name      string    `gorm:"primaryKey;size:64"`
	Body      string    `gorm:"type:text;not null"`
	Revision  int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"index"`
}
