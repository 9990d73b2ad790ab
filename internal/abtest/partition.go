// Package abtest splits a recipient list across A/B variants and picks the
// winning variant once engagement data is in.
package abtest

import (
	"errors"
	"fmt"
)

var (
	ErrWeightRange = errors.New("variant weight must be between 0 and 100")
	ErrWeightSum   = errors.New("variant weights must not sum to more than 100")
	ErrNoVariants  = errors.New("an A/B broadcast needs at least one variant")
)

// Range is the half-open interval [Start, End) of positions in the
// ordered recipient list.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns End-Start.
func (r Range) Len() int { return r.End - r.Start }

// Weighted is a variant with its share of the list, 0-100.
type Weighted struct {
	ID     string
	Weight int
}

// Assignment is a variant's slice of the list.
type Assignment struct {
	VariantID string `json:"variant_id"`
	Range     Range  `json:"range"`
}

// Plan is the result of Partition. FinalSample receives the winning
// content after the test period.
type Plan struct {
	Total       int          `json:"total"`
	Variants    []Assignment `json:"variants"`
	FinalSample Range        `json:"final_sample"`
}

// ValidateWeights checks each weight is within 0-100 and the sum is at
// most 100.
func ValidateWeights(variants []Weighted) error {
	sum := 0
	for i, v := range variants {
		if v.Weight < 0 || v.Weight > 100 {
			return fmt.Errorf("variant %d (%s): %w", i, v.ID, ErrWeightRange)
		}
		sum += v.Weight
	}
	if sum > 100 {
		return fmt.Errorf("sum %d: %w", sum, ErrWeightSum)
	}
	return nil
}

// Partition assigns each variant floor(weight*n/100) positions, contiguous
// and in input order starting at 0. Whatever remains is the final sample.
func Partition(variants []Weighted, n int) (Plan, error) {
	if len(variants) == 0 {
		return Plan{}, ErrNoVariants
	}
	if err := ValidateWeights(variants); err != nil {
		return Plan{}, err
	}
	if n < 0 {
		n = 0
	}

	plan := Plan{Total: n, Variants: make([]Assignment, 0, len(variants))}
	offset := 0
	for _, v := range variants {
		size := v.Weight * n / 100
		plan.Variants = append(plan.Variants, Assignment{
			VariantID: v.ID,
			Range:     Range{Start: offset, End: offset + size},
		})
		offset += size
	}
	plan.FinalSample = Range{Start: offset, End: n}
	return plan, nil
}
