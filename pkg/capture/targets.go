// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import "math"

// Targets returns photoCount equally spaced absolute positions starting at
// 0, the i-th being endPosition/photoCount*i rounded to the nearest step.
// The end position itself is not included: on a full turn it coincides
// with 0.
func Targets(photoCount int, endPosition int32) []int32 {
	if photoCount <= 0 {
		return nil
	}
	spacing := float64(endPosition) / float64(photoCount)
	targets := make([]int32, photoCount)
	for i := range targets {
		targets[i] = int32(math.Round(spacing * float64(i)))
	}
	return targets
}

// OrderTargets returns targets in travel order: reversed when the current
// position is closer to the end position than to 0.
func OrderTargets(targets []int32, current, endPosition int32) []int32 {
	ordered := append([]int32(nil), targets...)

	toStart := math.Abs(float64(current))
	toEnd := math.Abs(float64(current) - float64(endPosition))
	if toEnd < toStart {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}
	return ordered
}
