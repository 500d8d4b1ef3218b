package rpc

import "nerd/internal/model"

// ExtractRequest asks for the entities of one text. Language is advisory;
// the server extracts in its configured locale.
type ExtractRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// ExtractResponse carries the entities of one text.
type ExtractResponse struct {
	Entities       []model.EntityDTO `json:"entities"`
	ProcessingTime float64           `json:"processing_time"`
	Cached         bool              `json:"cached"`
}

// BatchRequest asks for several texts at once. BatchSize bounds how many are
// processed concurrently; zero uses the server default.
type BatchRequest struct {
	Requests  []ExtractRequest `json:"requests"`
	BatchSize int32            `json:"batch_size,omitempty"`
}

// BatchResponse holds one response per request, in request order.
type BatchResponse struct {
	Responses           []ExtractResponse `json:"responses"`
	TotalProcessingTime float64           `json:"total_processing_time"`
}
