package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// StatusResponse summarizes the live settlement state: the open epoch, its
// running totals, and the most recently finalized commitment.
type StatusResponse struct {
	CurrentEpoch EpochResponse       `json:"current_epoch"`
	Stats        EpochStatsResponse  `json:"stats"`
	Finalized    *EpochResponse      `json:"finalized,omitempty"`
	Commitment   *CommitmentResponse `json:"commitment,omitempty"`
	RefreshedAt  time.Time           `json:"refreshed_at"`
	Error        string              `json:"error,omitempty"`
}

// fetchStatusData builds a fresh status snapshot. Failures are reported in
// the Error field so the cache can keep serving stale data.
func fetchStatusData(ctx context.Context) *StatusResponse {
	resp := &StatusResponse{RefreshedAt: time.Now().UTC()}

	cur, err := engine.CurrentEpoch(ctx)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.CurrentEpoch = toEpochResponse(cur)

	stats, err := engine.EpochStats(ctx, cur.ID)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Stats = EpochStatsResponse{
		EpochID:      stats.EpochID,
		ReceiptCount: stats.ReceiptCount,
		TotalVolume:  stats.TotalVolume,
		TotalFees:    stats.TotalFees,
	}

	// Advancing requires the prior epoch to be finalized, so the newest
	// finalized epoch is either the current one or its predecessor.
	finalizedID := uint64(0)
	if cur.Finalized {
		finalizedID = cur.ID
	} else if cur.ID > 1 {
		finalizedID = cur.ID - 1
	}
	if finalizedID == 0 {
		return resp
	}

	fin, err := engine.GetEpoch(ctx, finalizedID)
	if err != nil || !fin.Finalized {
		return resp
	}
	finResp := toEpochResponse(fin)
	resp.Finalized = &finResp

	com, err := engine.Commitment(ctx, finalizedID, engine.RewardToken())
	if err != nil {
		return resp
	}
	comResp := toCommitmentResponse(com)
	resp.Commitment = &comResp

	return resp
}

// GetStatus returns the cached settlement status, falling back to a live
// fetch when the cache has not warmed up yet.
func GetStatus(w http.ResponseWriter, r *http.Request) {
	var resp *StatusResponse
	if statusCache != nil {
		resp = statusCache.Get()
	}
	if resp == nil {
		resp = fetchStatusData(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
