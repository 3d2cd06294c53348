package backend

import "time"

// Hotel is a search result row returned by the booking service.
type Hotel struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Location     string `json:"location"`
	NightlyRate  int    `json:"nightly_rate"`
	Currency     string `json:"currency"`
	RoomsLeft    int    `json:"rooms_left"`
	Rating       float64 `json:"rating,omitempty"`
}

// SearchFilters narrows a hotel search.
type SearchFilters struct {
	Location string `json:"location,omitempty"`
	MaxPrice int    `json:"max_price,omitempty"`
	CheckIn  string `json:"check_in,omitempty"`
	CheckOut string `json:"check_out,omitempty"`
	Guests   int    `json:"guests,omitempty"`
}

// BookingDraft carries the slots required to create a booking.
type BookingDraft struct {
	HotelID  string `json:"hotel_id"`
	CheckIn  string `json:"check_in"`
	CheckOut string `json:"check_out"`
	Guests   int    `json:"guests"`
	GuestRef string `json:"guest_ref"`
}

// Booking is the authoritative booking record owned by the backend.
type Booking struct {
	ID        string    `json:"id"`
	HotelID   string    `json:"hotel_id"`
	HotelName string    `json:"hotel_name,omitempty"`
	CheckIn   string    `json:"check_in"`
	CheckOut  string    `json:"check_out"`
	Guests    int       `json:"guests"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
