package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zynapses/cato-safety/internal/config"
	"github.com/zynapses/cato-safety/internal/pipeline"
	"github.com/zynapses/cato-safety/internal/replay"
)

// #region wire

// requestLine is one evaluation request. It uses the fixture interaction
// shape plus the tenant id; veto changes and retry-context flags are
// ignored outside replay.
type requestLine struct {
	TenantID string `json:"tenant_id"`
	replay.FixtureInteraction
}

// decisionLine is written for every evaluated request.
type decisionLine struct {
	TurnID   string            `json:"turn_id,omitempty"`
	Status   pipeline.Status   `json:"status"`
	Stage    pipeline.Stage    `json:"stage"`
	Decision pipeline.Decision `json:"decision"`
}

// parseRequest decodes a request and resolves its tenant settings.
func parseRequest(ctx context.Context, settings config.Store, data []byte) (string, pipeline.Request, error) {
	var line requestLine
	if err := json.Unmarshal(data, &line); err != nil {
		return "", pipeline.Request{}, fmt.Errorf("decode request: %w", err)
	}
	if line.TenantID == "" {
		return "", pipeline.Request{}, fmt.Errorf("decode request: tenant_id is required")
	}
	s, err := settings.Settings(ctx, line.TenantID)
	if err != nil {
		return "", pipeline.Request{}, fmt.Errorf("tenant settings: %w", err)
	}
	in, err := line.ToInteraction(line.TenantID, s)
	if err != nil {
		return "", pipeline.Request{}, err
	}
	return line.TurnID, in.Request, nil
}

func newDecisionLine(turnID string, d pipeline.Decision) decisionLine {
	return decisionLine{TurnID: turnID, Status: d.Status(), Stage: d.Stage(), Decision: d}
}

// #endregion wire
