package repo

import "time"

// Session represents one messaging-account connection row.
type Session struct {
	ID          string
	Number      string
	DisplayName string
	IsActive    bool
	ConnectedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Contact is a distinct sender seen among accepted messages, keeping the first
// display name observed.
type Contact struct {
	Number    string
	Name      string
	CreatedAt time.Time
}

// Message categories accepted into the store.
const (
	CategoryOrder = "order"
	CategoryOffer = "offer"
)

// ClassifiedMessage is an accepted order or offer.
type ClassifiedMessage struct {
	ID         string
	Number     string
	Name       string
	Text       string
	Translated string
	Language   string
	Price      *int64
	Image      *string
	Category   string
	Link       *string
	CreatedAt  time.Time
}
