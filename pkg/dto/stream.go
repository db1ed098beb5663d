package dto

import (
	"github.com/google/uuid"
)

type CreateStreamRequest struct {
	Name        string `json:"name" binding:"required,max=200"`
	FrameWidth  int    `json:"frame_width" binding:"omitempty,min=1,max=16384"`
	FrameHeight int    `json:"frame_height" binding:"omitempty,min=1,max=16384"`
}

type StreamResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	FrameWidth  int       `json:"frame_width"`
	FrameHeight int       `json:"frame_height"`
	Status      string    `json:"status"`
	CreatedAt   string    `json:"created_at"`
	UpdatedAt   string    `json:"updated_at"`
}

type StreamListResponse struct {
	Streams []StreamResponse `json:"streams"`
	Total   int              `json:"total"`
}
