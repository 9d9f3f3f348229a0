package collab

import (
	"context"

	"github.com/zianansar/proposal-writer-sub006/config"
	"github.com/zianansar/proposal-writer-sub006/internal/pipeline"
)

// RiskScanClient calls the risk-scanning collaborator.
type RiskScanClient struct {
	url    string
	client *httpClient
}

// NewRiskScanner creates a client for the risk scan service.
func NewRiskScanner(cfg config.CollabConfig) *RiskScanClient {
	return &RiskScanClient{
		url:    cfg.RiskScanURL,
		client: newHTTPClient(cfg.Timeout, cfg.Retries, cfg.Backoff),
	}
}

type scanRequest struct {
	Text string `json:"text"`
}

type scanResponse struct {
	Risky bool `json:"risky"`
	Spans []struct {
		Start  int    `json:"start"`
		End    int    `json:"end"`
		Reason string `json:"reason"`
	} `json:"spans"`
}

// Scan checks a draft for risky regions.
func (c *RiskScanClient) Scan(ctx context.Context, draft string) (pipeline.RiskReport, error) {
	var resp scanResponse
	err := c.client.doJSON(ctx, "POST", c.url+"/v1/scan", scanRequest{Text: draft}, &resp)
	if err != nil {
		return pipeline.RiskReport{}, classify(pipeline.StageRiskScan, err)
	}
	report := pipeline.RiskReport{Risky: resp.Risky}
	for _, s := range resp.Spans {
		report.Spans = append(report.Spans, pipeline.RiskSpan{Start: s.Start, End: s.End, Reason: s.Reason})
	}
	return report, nil
}
