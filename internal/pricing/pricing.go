// Package pricing maps billable operations to integer credit costs.
package pricing

import (
	"errors"
	"fmt"

	"github.com/fableloom/loom-credits/internal/config"
)

// OperationKind is the closed set of billable operations. Adding a kind
// requires extending the rate table and the switch in Calculator.Cost,
// which the compiler and tests enforce together.
type OperationKind string

const (
	OperationStory     OperationKind = "story"
	OperationImage     OperationKind = "image"
	OperationNarration OperationKind = "narration"
	OperationVideo     OperationKind = "video"
	OperationPolish    OperationKind = "polish"
	OperationMusic     OperationKind = "music"
)

// Kinds lists every valid operation kind.
var Kinds = []OperationKind{
	OperationStory,
	OperationImage,
	OperationNarration,
	OperationVideo,
	OperationPolish,
	OperationMusic,
}

var ErrInvalidOperation = errors.New("invalid_operation")

// ParseKind validates a wire-level operation kind string.
func ParseKind(raw string) (OperationKind, error) {
	kind := OperationKind(raw)
	switch kind {
	case OperationStory, OperationImage, OperationNarration, OperationVideo, OperationPolish, OperationMusic:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, raw)
	}
}

// Params carries the scaling inputs for a reservation. Fields not used
// by an operation kind are ignored.
type Params struct {
	ImageCount      int `json:"image_count,omitempty"`
	TextLength      int `json:"text_length,omitempty"`
	DurationSeconds int `json:"duration_seconds,omitempty"`
}

// Calculator computes credit costs from the active rate table. It is
// pure: no ledger access, no clock, no side effects.
type Calculator struct {
	rates *config.PricingHolder
}

func NewCalculator(rates *config.PricingHolder) *Calculator {
	return &Calculator{rates: rates}
}

// Cost returns the credits required for one operation. The result is
// always >= 0; an unknown kind is a programmer error, not a credit error.
func (c *Calculator) Cost(kind OperationKind, params Params) (int64, error) {
	table := c.rates.Get()

	var rate config.Rate
	switch kind {
	case OperationStory:
		rate = table.Story
	case OperationImage:
		rate = table.Image
	case OperationNarration:
		rate = table.Narration
	case OperationVideo:
		rate = table.Video
	case OperationPolish:
		rate = table.Polish
	case OperationMusic:
		rate = table.Music
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOperation, kind)
	}

	cost := rate.Base
	if rate.PerUnit > 0 && params.ImageCount > 0 {
		cost += rate.PerUnit * int64(params.ImageCount)
	}
	if rate.PerSecond > 0 && params.DurationSeconds > 0 {
		cost += rate.PerSecond * int64(params.DurationSeconds)
	}
	if rate.PerTextUnit > 0 && params.TextLength > 0 {
		units := (params.TextLength + rate.TextUnitSize - 1) / rate.TextUnitSize
		cost += rate.PerTextUnit * int64(units)
	}
	return cost, nil
}
