package collab

import (
	"context"

	"github.com/zianansar/proposal-writer-sub006/config"
	"github.com/zianansar/proposal-writer-sub006/internal/pipeline"
)

// JobParserClient calls the job-parsing collaborator.
type JobParserClient struct {
	url    string
	client *httpClient
}

// NewJobParser creates a client for the job parser service.
func NewJobParser(cfg config.CollabConfig) *JobParserClient {
	return &JobParserClient{
		url:    cfg.JobParserURL,
		client: newHTTPClient(cfg.Timeout, cfg.Retries, cfg.Backoff),
	}
}

type parseRequest struct {
	RawText string `json:"raw_text"`
}

type parseResponse struct {
	Title    string   `json:"title"`
	Skills   []string `json:"skills"`
	Budget   string   `json:"budget"`
	Entities []string `json:"entities"`
}

// Parse extracts structured facts from raw job input.
func (c *JobParserClient) Parse(ctx context.Context, raw string) (pipeline.JobFacts, error) {
	var resp parseResponse
	err := c.client.doJSON(ctx, "POST", c.url+"/v1/parse", parseRequest{RawText: raw}, &resp)
	if err != nil {
		return pipeline.JobFacts{}, classify(pipeline.StageAnalyzeJob, err)
	}
	return pipeline.JobFacts{
		Title:    resp.Title,
		Skills:   resp.Skills,
		Budget:   resp.Budget,
		Entities: resp.Entities,
		RawText:  raw,
	}, nil
}
