// Package intake turns user-supplied URL lists into jobs.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

// Enqueuer accepts normalized job ids. The dispatcher and every job store
// satisfy it.
type Enqueuer interface {
	Enqueue(ctx context.Context, origin string, ids []string) (int, error)
}

// Request is a batch of URLs submitted on behalf of one origin.
type Request struct {
	Origin string   `json:"origin" validate:"required,max=200"`
	URLs   []string `json:"urls" validate:"required,min=1,max=10000,dive,required"`
}

// Validate validates the Request using the validator.
func (r *Request) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// Result reports what happened to a submitted batch.
type Result struct {
	Added      int      `json:"added"`
	Duplicates int      `json:"duplicates"`
	Rejected   []string `json:"rejected,omitempty"`
}

// Submit normalizes req.URLs and enqueues the valid ones. URLs that cannot be
// normalized are returned in Rejected rather than failing the batch. Ids that
// are already pending or completed count as duplicates.
func Submit(ctx context.Context, enq Enqueuer, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid request: %w", err)
	}
	var res Result
	ids := make([]string, 0, len(req.URLs))
	for _, raw := range req.URLs {
		id, err := crawler.NormalizeURL(raw)
		if err != nil {
			res.Rejected = append(res.Rejected, raw)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return res, nil
	}
	added, err := enq.Enqueue(ctx, req.Origin, ids)
	if err != nil {
		return Result{}, fmt.Errorf("enqueue: %w", err)
	}
	res.Added = added
	res.Duplicates = len(ids) - added
	return res, nil
}

// ParseList decodes a job list. It accepts a bare JSON array of URLs or an
// object with a "urls" array.
func ParseList(data []byte) ([]string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty job list")
	}
	var urls []string
	if data[0] == '{' {
		var wrapped struct {
			URLs []string `json:"urls"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("decode job list: %w", err)
		}
		urls = wrapped.URLs
	} else if err := json.Unmarshal(data, &urls); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}
	if len(urls) == 0 {
		return nil, errors.New("empty job list")
	}
	return urls, nil
}

// ReadList reads and decodes a job list file.
func ReadList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job list: %w", err)
	}
	return ParseList(data)
}
