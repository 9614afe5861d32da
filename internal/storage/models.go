package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Service is one catalog row.
type Service struct {
	Name              string
	Category          string
	Type              string
	AvailableWidths   string // JSON array stored as text
	AvailableFinishes string // JSON array stored as text
	MinDPI            int
	Pricing           string
	FileCriteria      string
	UpdatedAt         time.Time
}

// Order is a confirmed order row. RowIndex is assigned on insert.
type Order struct {
	RowIndex     int64     `json:"row_index"`
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name,omitempty"`
	Service      string    `json:"service"`
	Category     string    `json:"category"`
	Width        float64   `json:"width,omitempty"`
	Height       float64   `json:"height,omitempty"`
	Area         float64   `json:"area,omitempty"`
	Quantity     int       `json:"quantity"`
	Finishes     string    `json:"finishes"` // JSON array stored as text
	FilePath     string    `json:"file_path"`
	Observations string    `json:"observations,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
