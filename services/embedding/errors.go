// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedding

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded is the sentinel matched by errors.Is for budget
// rejections. The concrete error is always a *BudgetExceededError.
var ErrBudgetExceeded = errors.New("daily embedding budget exceeded")

// ErrEmptyInput is returned when every text in a request is empty.
var ErrEmptyInput = errors.New("no non-empty texts to embed")

// BudgetExceededError reports a request rejected because the estimated
// cost would push the current UTC day's spend past the configured cap.
type BudgetExceededError struct {
	// SpentUSD is the amount already spent today.
	SpentUSD float64

	// EstimatedUSD is the estimated cost of the rejected request.
	EstimatedUSD float64

	// BudgetUSD is the configured daily cap.
	BudgetUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("daily embedding budget exceeded: spent $%.6f + estimated $%.6f > budget $%.2f",
		e.SpentUSD, e.EstimatedUSD, e.BudgetUSD)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }
