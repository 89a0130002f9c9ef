package domain

// BreedScore is one entry of the top-k ranking.
type BreedScore struct {
	Breed      string  `json:"breed"`
	Confidence float64 `json:"confidence"`
}

// Prediction is the synchronous classification result. Confidences are percentages.
type Prediction struct {
	Breed      string       `json:"breed"`
	Confidence float64      `json:"confidence"`
	Analysis   []BreedScore `json:"analysis"`
}
