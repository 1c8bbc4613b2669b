package chat

import "time"

// Session identifies one live client connection and its transcript.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}
