package models

import "time"

// RequestRecord is one inbound webhook delivery as received, before
// filtering. Filtered holds the filter output that was (or would have
// been) posted as a comment; FilterError is set instead when the
// expression failed.
type RequestRecord struct {
	ID          string    `json:"id"`
	EndpointID  string    `json:"endpoint_id"`
	Payload     []byte    `json:"payload"`
	Filtered    string    `json:"filtered,omitempty"`
	FilterError string    `json:"filter_error,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}
