package services

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"breedscope.app/internal/core/domain"
	"breedscope.app/internal/core/logger"
	"breedscope.app/internal/core/metrics"
	"breedscope.app/internal/core/ports"
)

// TopK is the length of the ranking returned with each prediction.
const TopK = 5

type PredictionService struct {
	classifier ports.Classifier
	artifacts  ports.ArtifactStore
	history    ports.HistoryRepository
	now        func() time.Time
}

func NewPredictionService(classifier ports.Classifier, artifacts ports.ArtifactStore, history ports.HistoryRepository) *PredictionService {
	return &PredictionService{
		classifier: classifier,
		artifacts:  artifacts,
		history:    history,
		now:        time.Now,
	}
}

// Predict classifies the image, stores it, and records the result in the user's history.
func (s *PredictionService) Predict(ctx context.Context, username string, data []byte) (*domain.Prediction, error) {
	img, err := decodeImage(data)
	if err != nil {
		metrics.RecordPrediction("rejected")
		return nil, err
	}

	ts := s.now()
	filename := strings.ReplaceAll(uuid.NewString(), "-", "") + ".jpg"
	if err := s.artifacts.Put(ctx, filename, data); err != nil {
		metrics.RecordPrediction("error")
		return nil, fmt.Errorf("store upload: %w", err)
	}

	scores, err := s.classifier.PredictBatch(ctx, []image.Image{img})
	if err != nil {
		metrics.RecordPrediction("error")
		return nil, err
	}
	pred := Rank(s.classifier.Labels(), scores[0], TopK)

	entry := &domain.HistoryEntry{
		Username:   username,
		Filename:   filename,
		Breed:      pred.Breed,
		Confidence: pred.Confidence,
		Timestamp:  ts.Format(domain.HistoryTimeLayout),
	}
	if err := s.history.AddEntry(ctx, entry); err != nil {
		metrics.RecordPrediction("error")
		return nil, fmt.Errorf("record history: %w", err)
	}

	metrics.RecordPrediction("ok")
	logger.InfoContext(ctx, "Prediction served", "username", username, "breed", pred.Breed, "confidence", pred.Confidence)
	return pred, nil
}

// Rank turns a probability row into a prediction with confidences as
// percentages rounded to two decimals.
func Rank(labels []string, probs []float64, k int) *domain.Prediction {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	if len(idx) > k {
		idx = idx[:k]
	}

	pred := &domain.Prediction{Analysis: make([]domain.BreedScore, 0, len(idx))}
	for _, i := range idx {
		pred.Analysis = append(pred.Analysis, domain.BreedScore{
			Breed:      labels[i],
			Confidence: percent(probs[i]),
		})
	}
	if len(pred.Analysis) > 0 {
		pred.Breed = pred.Analysis[0].Breed
		pred.Confidence = pred.Analysis[0].Confidence
	}
	return pred
}

func percent(p float64) float64 {
	return math.Round(p*100*100) / 100
}
