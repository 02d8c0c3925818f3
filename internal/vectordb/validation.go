package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DimensionMismatchError is returned when the collection was created for a
// different embedding size than the configured model produces
type DimensionMismatchError struct {
	Collection        string
	ExpectedDimension int
	ReceivedDimension int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for collection %s: expected %d, got %d; check the embedding model or recreate the collection",
		e.Collection, e.ExpectedDimension, e.ReceivedDimension)
}

// CollectionInfo holds basic information about a Qdrant collection
type CollectionInfo struct {
	Name        string
	VectorSize  int
	Distance    string
	PointsCount int64
}

// CheckCollection fetches the collection and validates its vector size
// against ExpectedDim. Health checks call it.
func (c *Client) CheckCollection(ctx context.Context) (*CollectionInfo, error) {
	if !c.Enabled() {
		return nil, nil
	}
	info, err := c.collectionInfo(ctx, c.cfg.Collection)
	if err != nil {
		return nil, err
	}
	if c.cfg.ExpectedDim > 0 && info.VectorSize != c.cfg.ExpectedDim {
		return info, DimensionMismatchError{
			Collection:        info.Name,
			ExpectedDimension: c.cfg.ExpectedDim,
			ReceivedDimension: info.VectorSize,
		}
	}
	c.log.Debug("Collection validated",
		zap.String("collection", info.Name),
		zap.Int("dimension", info.VectorSize),
		zap.Int64("points", info.PointsCount))
	return info, nil
}

func (c *Client) collectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	url := fmt.Sprintf("%s/collections/%s", c.base, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get collection info: status %d", resp.StatusCode)
	}

	var result struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &CollectionInfo{
		Name:        collection,
		VectorSize:  result.Result.Config.Params.Vectors.Size,
		Distance:    result.Result.Config.Params.Vectors.Distance,
		PointsCount: result.Result.PointsCount,
	}, nil
}
