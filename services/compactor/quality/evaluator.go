// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/quantcompact/pkg/logging"
	"github.com/AleutianAI/quantcompact/services/compactor/objstore"
)

// Evaluator fetches window reports from the raw store and produces the day
// verdict for a date.
type Evaluator struct {
	raw    objstore.Store
	logger *logging.Logger
}

// NewEvaluator binds an Evaluator to the raw store.
func NewEvaluator(raw objstore.Store, logger *logging.Logger) *Evaluator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Evaluator{raw: raw, logger: logger}
}

// EvaluateDay lists quality/date=<D>/ window JSONs, assesses each window
// and aggregates the day. A window that fails to parse is logged and
// skipped; evaluation continues with the rest.
func (e *Evaluator) EvaluateDay(ctx context.Context, date string) (DayReport, error) {
	prefix := fmt.Sprintf("quality/date=%s/", date)
	objects, err := e.raw.List(ctx, prefix)
	if err != nil {
		return DayReport{}, fmt.Errorf("listing quality windows for %s: %w", date, err)
	}

	var assessments []WindowAssessment
	parseFailures := 0
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		body, err := e.raw.Get(ctx, obj.Key)
		if err != nil {
			parseFailures++
			e.logger.Error("reading quality window", "key", obj.Key, "error", err)
			continue
		}
		var window WindowReport
		if err := json.Unmarshal(body, &window); err != nil {
			parseFailures++
			e.logger.Error("parsing quality window", "key", obj.Key, "error", err)
			continue
		}
		assessments = append(assessments, AssessWindow(window))
	}

	if parseFailures > 0 {
		e.logger.Warn("quality windows skipped", "date", date, "skipped", parseFailures)
	}
	return AggregateDay(assessments), nil
}
