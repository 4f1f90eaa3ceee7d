package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"segmentation-backend/internal/datastore"
)

var ErrNoUnlabeled = errors.New("no unlabeled images left")

// Strategy selects the next image an annotator should label.
type Strategy interface {
	Description() string

	Select(ctx context.Context, store datastore.Datastore) (string, error)
}

type RandomStrategy struct {
	rng *rand.Rand
}

func NewRandomStrategy(rng *rand.Rand) *RandomStrategy {
	return &RandomStrategy{rng: rng}
}

func (s *RandomStrategy) Description() string {
	return "Random strategy"
}

func (s *RandomStrategy) Select(ctx context.Context, store datastore.Datastore) (string, error) {
	images, err := store.GetUnlabeledImages(ctx)
	if err != nil {
		return "", fmt.Errorf("random strategy: %w", err)
	}
	if len(images) == 0 {
		return "", ErrNoUnlabeled
	}

	if s.rng == nil {
		return images[rand.IntN(len(images))], nil
	}
	return images[s.rng.IntN(len(images))], nil
}

// FirstStrategy returns the lexicographically smallest unlabeled image.
type FirstStrategy struct{}

func (FirstStrategy) Description() string {
	return "Get First Sample"
}

func (FirstStrategy) Select(ctx context.Context, store datastore.Datastore) (string, error) {
	images, err := store.GetUnlabeledImages(ctx)
	if err != nil {
		return "", fmt.Errorf("first strategy: %w", err)
	}
	if len(images) == 0 {
		return "", ErrNoUnlabeled
	}

	sort.Strings(images)
	return images[0], nil
}
